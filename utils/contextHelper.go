package utils

import (
	"context"

	"github.com/mmdatafocus/vas_recon/appctx"
)

var (
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorType     = appctx.ContextKeyActorType
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeySupplierCode  = appctx.ContextKeySupplierCode
)

const (
	ActorTypeSystem    = "system"
	ActorTypeUser      = "user"
	ActorTypeScheduler = "scheduler"
)

func GetActorIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorId)
}

func GetActorTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorType)
}

// SetActorInContext records who is acting on the request (user id, or the
// component name for system actors).
func SetActorInContext(ctx context.Context, actorType, actorId string) context.Context {
	ctx = appctx.Set(ctx, ContextKeyActorType, actorType)
	return appctx.Set(ctx, ContextKeyActorId, actorId)
}

// ActorFromContext returns the acting identity, defaulting to the system actor.
func ActorFromContext(ctx context.Context) (actorType string, actorId string) {
	actorType, ok := GetActorTypeFromContext(ctx)
	if !ok || actorType == "" {
		actorType = ActorTypeSystem
	}
	actorId, ok = GetActorIdFromContext(ctx)
	if !ok || actorId == "" {
		actorId = "recon-engine"
	}
	return actorType, actorId
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetSupplierCodeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySupplierCode)
}

func SetSupplierCodeInContext(ctx context.Context, code string) context.Context {
	return appctx.Set(ctx, ContextKeySupplierCode, code)
}
