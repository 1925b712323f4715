// Package genesis seeds the fixed bootstrap artifacts every kernel
// needs before it can evaluate its first permission check: the native
// freeware/creator_only/private contracts a fresh artifact's
// access_contract_id can point at (genesis_freeware_contract is also
// kconfig.Default()'s default-on-missing fallback). This mirrors
// system/bootstrap's one-shot seeding phase, run once from the facade
// constructor before any caller-visible artifact exists.
//
// Bootstrap is the handle that writes genesis_*-prefixed ids during
// the bootstrap phase, while the store still accepts that prefix.
// Nothing outside kernel.New's constructor should ever hold one — once
// CloseGenesis is called on the underlying store the prefix becomes
// permanently reserved and Bootstrap.Write starts failing the same way
// an ordinary Write would.
package genesis

import (
	"github.com/r3e-network/agentsubstrate/kernel/ledger"
	"github.com/r3e-network/agentsubstrate/kernel/permission"
	"github.com/r3e-network/agentsubstrate/kernel/store"
)

// GenesisPrincipal is the synthetic creator/writer of every seeded
// artifact.
const GenesisPrincipal = "genesis"

const (
	FreewareContractID    = "genesis_freeware_contract"
	CreatorOnlyContractID = "genesis_creator_only_contract"
	PrivateContractID     = "genesis_private_contract"
)

// Bootstrap is the privileged handle kernel.New constructs once, uses
// to seed fixed artifacts, and then discards.
type Bootstrap struct {
	store *store.Store
}

// NewBootstrap wraps s with bypass-checked writes. Callers outside
// kernel.New have no business constructing one of these.
func NewBootstrap(s *store.Store) *Bootstrap {
	return &Bootstrap{store: s}
}

// Write creates or overwrites a genesis_*-prefixed artifact while the
// store's genesis phase is open; after CloseGenesis it fails with
// reserved_prefix like any other write.
func (b *Bootstrap) Write(id string, fields store.WriteFields) (store.Artifact, error) {
	res, err := b.store.Write(id, fields, GenesisPrincipal, b.store.GenesisOpen())
	if err != nil {
		return store.Artifact{}, err
	}
	return res.Artifact, nil
}

// Seed writes the three native policy contracts and credits startPrincipal
// with its initial balances. Calling it twice re-writes the same fixed
// contract ids and credits the starting balances a second time.
func Seed(b *Bootstrap, ledg *ledger.Ledger, startPrincipal string, startingBalances map[ledger.Resource]float64) error {
	natives := []struct {
		id     string
		policy string
	}{
		{FreewareContractID, permission.PolicyFreeware},
		{CreatorOnlyContractID, permission.PolicyCreatorOnly},
		{PrivateContractID, permission.PolicyPrivate},
	}

	for _, n := range natives {
		if _, err := b.Write(n.id, store.WriteFields{
			Type:   "contract",
			Fields: map[string]any{"native": n.policy},
			State:  map[string]any{},
		}); err != nil {
			return err
		}
	}

	if startPrincipal != "" {
		for resource, amount := range startingBalances {
			if amount <= 0 {
				continue
			}
			if err := ledg.Credit(startPrincipal, resource, amount); err != nil {
				return err
			}
		}
	}

	return nil
}
