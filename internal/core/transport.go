package core

import "context"

// Routing metadata kinds.
const (
	KindPack     = "pack"
	KindManifest = "manifest"
)

// RoutingMeta carries hints a transport may use to shape its routing
// tokens. Transports are free to ignore or obfuscate it; the core never
// inspects what a transport produced from it.
type RoutingMeta struct {
	FolderID string
	Kind     string // pack or manifest
}

// Transport posts and fetches opaque payloads over a store-and-forward
// network. Locators are opaque to the caller and only meaningful to the
// transport that produced them.
//
// Both operations may fail transiently; implementations classify failures
// as TransientTransportError or TerminalTransportError and never retry
// internally. Retrying with backoff is the caller's job via the shared
// retry policy.
type Transport interface {
	// Post transmits payload and returns the locator under which it can be
	// fetched later.
	Post(ctx context.Context, payload []byte, meta RoutingMeta) (string, error)

	// Fetch retrieves the payload previously posted under locator.
	Fetch(ctx context.Context, locator string) ([]byte, error)
}
