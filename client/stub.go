package client

import "context"

// Stub is a client bound to one remote service. Hand-written adapters embed
// it and implement the business interface on top of Invoke:
//
//	type helloClient struct{ *client.Stub }
//
//	func (h helloClient) SayHello(name string) (string, error) {
//		var reply string
//		err := h.Invoke(context.Background(), "SayHello", &reply, name)
//		return reply, err
//	}
type Stub struct {
	client *Client
	ref    Reference
}

// Reference returns a stub for ref.
func (c *Client) Reference(ref Reference) *Stub {
	return &Stub{client: c, ref: ref}
}

// Invoke calls method on the bound service.
func (s *Stub) Invoke(ctx context.Context, method string, reply any, args ...any) error {
	return s.client.Invoke(ctx, s.ref, method, reply, args...)
}

// Ref returns the service the stub is bound to.
func (s *Stub) Ref() Reference {
	return s.ref
}
