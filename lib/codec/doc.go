// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for data chatlink
// keeps on disk.
//
// chatlink uses two serialization formats with a clear boundary:
//
//   - JSON for everything that crosses the network: signaling
//     envelopes and peer data-channel frames.
//   - CBOR for local storage: the message body column of the message
//     store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same message body always produces identical bytes. fxamacker/cbor
// reads `json` struct tags when `cbor` tags are absent, so the schema
// types serialize under the same field names in both formats.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
