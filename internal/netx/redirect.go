package netx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"vx/pkg/descriptor"
)

const maxRedirects = 10

// RedirectPolicy vets a redirect target before the client follows it.
type RedirectPolicy func(*url.URL) error

type redirectPolicyKey struct{}

// WithRedirectPolicy attaches policy to every request made with ctx.
// Without one, redirects are followed up to the usual limit.
func WithRedirectPolicy(ctx context.Context, policy RedirectPolicy) context.Context {
	return context.WithValue(ctx, redirectPolicyKey{}, policy)
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if policy, ok := req.Context().Value(redirectPolicyKey{}).(RedirectPolicy); ok && policy != nil {
		return policy(req.URL)
	}
	return nil
}

func permissionDenied(err error) (*descriptor.PermissionDeniedError, bool) {
	var denied *descriptor.PermissionDeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
