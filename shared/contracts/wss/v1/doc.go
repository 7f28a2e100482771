// Package v1 defines the ChatLens WebSocket protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and its clients (extension, dashboard,
// integrations) to keep the wire protocol authoritative: every message that
// crosses the realtime channel is one of the closed inbound/outbound unions
// declared here, discriminated by the "type" field.
package v1
