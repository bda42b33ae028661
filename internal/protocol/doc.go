// Package protocol is the collaborator boundary between the transport
// layer and the remote-call runtime. The transport only ever sees the
// Codec interface and the opaque Message envelope; the per-language
// marshaling bridges live behind Codec implementations outside this
// module.
package protocol
