// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"

	"github.com/Schizo-Joe/thingengine-core/lib/schema"
)

// CompiledProgram is an opaque typechecked program produced by the
// Compiler and handed to the Executor. The protocol layer never
// inspects it.
type CompiledProgram any

// Compiler typechecks program source received from a peer. A
// validation failure should return an error whose Code method yields
// a protocol error code so the sender learns why its program was
// rejected; CodeInvalid is assumed otherwise.
type Compiler interface {
	Typecheck(ctx context.Context, code string) (CompiledProgram, error)
}

// Executor runs typechecked programs on the local engine.
type Executor interface {
	// InstallProgram starts a program installed by a remote peer.
	// principal is the sender's account address, identity the
	// sender-chosen identity string from the install request.
	InstallProgram(ctx context.Context, principal, identity string, program CompiledProgram, programID string) error
}

// SchemaProvider answers table schema lookups against the local
// memory tables. A missing table is (nil, nil), not an error.
type SchemaProvider interface {
	GetSchema(ctx context.Context, table string) (*schema.TableSchema, error)
}

// Tiers of a ThingEngine installation. An account can pair several
// engines; each runs at exactly one tier.
const (
	TierPhone   = "phone"
	TierServer  = "server"
	TierDesktop = "desktop"
	TierCloud   = "cloud"
)

// Device ids of the engine's own paired tiers in the device registry.
const (
	DeviceOwnPhone   = "thingengine-own-phone"
	DeviceOwnServer  = "thingengine-own-server"
	DeviceOwnDesktop = "thingengine-own-desktop"
)

// TierManager reports which tier this engine runs at.
type TierManager interface {
	OwnTier() string
}

// DeviceRegistry reports which devices are configured on this
// engine, including the virtual devices representing paired tiers.
type DeviceRegistry interface {
	HasDevice(id string) bool
}
