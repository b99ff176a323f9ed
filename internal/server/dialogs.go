package server

import (
	"context"
)

type answersKey struct{}

// withAnswers carries the caller's dialog answers for one request.
func withAnswers(ctx context.Context, p passwordRequest) context.Context {
	return context.WithValue(ctx, answersKey{}, p)
}

func answersFrom(ctx context.Context) (passwordRequest, bool) {
	p, ok := ctx.Value(answersKey{}).(passwordRequest)
	return p, ok
}

// Dialogs answers the box confirmation and passphrase dialogs from the
// request body, since an API caller cannot be prompted mid-request.
type Dialogs struct{}

func (Dialogs) Confirm(ctx context.Context, _, _, _ string) (bool, error) {
	p, _ := answersFrom(ctx)
	return p.Approve, nil
}

func (Dialogs) Passphrase(ctx context.Context, _, _ string) (string, bool, error) {
	p, ok := answersFrom(ctx)
	if !ok || p.Password == "" {
		return "", false, nil
	}
	return p.Password, true, nil
}
