package models

import "context"

type sourceContextKey struct{}

// SettlementSource names the entry point that fed an event into settlement.
type SettlementSource string

const (
	SourceWebhook    SettlementSource = "webhook"
	SourceReturnPage SettlementSource = "return_page"
	SourceReconciler SettlementSource = "reconciler"
	SourceOperator   SettlementSource = "operator"
)

// WithSettlementSource tags ctx with the entry point driving settlement so it
// can be logged and persisted without widening every signature.
func WithSettlementSource(ctx context.Context, source SettlementSource) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// GetSettlementSource returns the tagged entry point, defaulting to webhook.
func GetSettlementSource(ctx context.Context) SettlementSource {
	if source, ok := ctx.Value(sourceContextKey{}).(SettlementSource); ok && source != "" {
		return source
	}
	return SourceWebhook
}
