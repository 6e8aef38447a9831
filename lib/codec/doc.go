// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds plink's shared CBOR configuration.
//
// The rendezvous stream protocol (TCP and Unix sockets) frames every
// message as one self-delimiting CBOR value. Browser-facing surfaces
// (the WebSocket rendezvous endpoint and the data channel control
// frames) use JSON instead. Types shared by both carry `json` tags
// only; fxamacker/cbor falls back to them when no `cbor` tag is set.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same message always produces the same bytes.
package codec
