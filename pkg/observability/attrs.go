package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Caracal semantic convention attributes.
var (
	// Principal attributes
	AttrPrincipalID = attribute.Key("caracal.principal.id")

	// Mandate attributes
	AttrMandateID     = attribute.Key("caracal.mandate.id")
	AttrMandateIssuer = attribute.Key("caracal.mandate.issuer")
	AttrMandateDepth  = attribute.Key("caracal.mandate.depth")

	// Authorization attributes
	AttrAuthzAction   = attribute.Key("caracal.authz.action")
	AttrAuthzResource = attribute.Key("caracal.authz.resource")
	AttrAuthzDecision = attribute.Key("caracal.authz.decision")

	// Budget attributes
	AttrBudgetPolicyID  = attribute.Key("caracal.budget.policy_id")
	AttrBudgetRemaining = attribute.Key("caracal.budget.remaining")
	AttrBudgetCurrency  = attribute.Key("caracal.budget.currency")

	// Proxy attributes
	AttrProxyTarget   = attribute.Key("caracal.proxy.target")
	AttrProxyDegraded = attribute.Key("caracal.proxy.degraded")

	// Metering attributes
	AttrMeterResource = attribute.Key("caracal.meter.resource_type")
	AttrMeterCost     = attribute.Key("caracal.meter.cost")
)

// AuthzOperation creates attributes for a scope authorization check.
func AuthzOperation(principalID, mandateID, action, resource, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrMandateID.String(mandateID),
		AttrAuthzAction.String(action),
		AttrAuthzResource.String(resource),
		AttrAuthzDecision.String(decision),
	}
}

// BudgetOperation creates attributes for a budget evaluation.
func BudgetOperation(principalID, policyID, remaining, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrBudgetPolicyID.String(policyID),
		AttrBudgetRemaining.String(remaining),
		AttrBudgetCurrency.String(currency),
	}
}

// ProxyOperation creates attributes for a forwarded request.
func ProxyOperation(principalID, target string, degraded bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrProxyTarget.String(target),
		AttrProxyDegraded.Bool(degraded),
	}
}

// MeterOperation creates attributes for a usage event.
func MeterOperation(principalID, resourceType, cost string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrMeterResource.String(resourceType),
		AttrMeterCost.String(cost),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records the error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
