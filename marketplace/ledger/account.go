// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package ledger

import (
	"strings"

	"storj.io/common/uuid"
)

// Account identifies a party on one side of a transaction. User accounts
// are derived from a user id, the remaining accounts are internal.
type Account string

const (
	// AccountEscrow holds funds locked for in-flight deals.
	AccountEscrow = Account("escrow")
	// AccountPlatform receives fees that are not attributed to an agent.
	AccountPlatform = Account("platform")
	// AccountExternal represents money entering or leaving through a
	// payment rail.
	AccountExternal = Account("external")
)

// UserAccount returns the account for a user id.
func UserAccount(id uuid.UUID) Account {
	return Account("user:" + id.String())
}

// User returns the user id behind a user account and whether the account
// is a user account at all.
func (account Account) User() (uuid.UUID, bool) {
	name, ok := strings.CutPrefix(string(account), "user:")
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromString(name)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
