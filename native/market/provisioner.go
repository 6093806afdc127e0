package market

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"marketchain/core/dispatch"
)

type storeInitArgs struct {
	OwnerID    string `json:"ownerId"`
	ContractID string `json:"contractId"`
	Metadata   string `json:"metadata,omitempty"`
}

func validStorePrefix(prefix string) bool {
	if len(prefix) < 2 || len(prefix) > 32 {
		return false
	}
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// CreateStore provisions an isolated store sub-account for the owner: create
// the account at prefix.<factory>, attach the owner's full-access key,
// transfer the stake, deploy the store program and invoke its initializer.
// The five steps form one causally-chained sequence with a single callback;
// if any step fails the whole sequence reconciles as failed and the owner's
// deposit is returned. Registry membership only appears on confirmed success.
func (e *Engine) CreateStore(prefix, owner, publicKey, metadata string, deposit *big.Int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provision(prefix, owner, owner, publicKey, metadata, deposit)
}

// CreateStoreForAccount provisions a store for a delegated claim: the new
// account's owner differs from the identity funding the stake, so a failure
// refunds the original funder. This is the keypom-style path.
func (e *Engine) CreateStoreForAccount(newAccount, publicKey, funder string, deposit *big.Int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix, ok := e.storePrefix(strings.TrimSpace(newAccount))
	if !ok {
		return "", fmt.Errorf("market: account %q is not beneath the factory namespace", newAccount)
	}
	return e.provision(prefix, strings.TrimSpace(newAccount), funder, publicKey, "", deposit)
}

func (e *Engine) provision(prefix, owner, funder, publicKey, metadata string, deposit *big.Int) (string, error) {
	if e.state == nil {
		return "", errNilState
	}
	if e.dispatcher == nil {
		return "", errNilDispatcher
	}
	prefix = strings.TrimSpace(prefix)
	owner = strings.TrimSpace(owner)
	funder = strings.TrimSpace(funder)
	if owner == "" || funder == "" {
		return "", fmt.Errorf("market: owner and funder are required")
	}
	if !validStorePrefix(prefix) {
		return "", fmt.Errorf("market: invalid store prefix %q", prefix)
	}
	if _, reserved := e.reserved[prefix]; reserved {
		return "", ErrReservedPrefix
	}
	registered, err := e.state.StoreRegistered(prefix)
	if err != nil {
		return "", err
	}
	if registered {
		return "", ErrStoreExists
	}
	cost, err := e.storeCost()
	if err != nil {
		return "", err
	}
	attached := cloneBigInt(deposit)
	if attached.Cmp(cost) < 0 {
		return "", fmt.Errorf("%w: need at least %s", ErrInsufficientStake, cost)
	}
	// Move the stake into the vault before issuing the chain; a failed chain
	// refunds it from there.
	if err := e.transfer(funder, e.vaultAccount(), attached); err != nil {
		return "", err
	}
	initArgs, err := json.Marshal(storeInitArgs{
		OwnerID:    owner,
		ContractID: e.factoryAccount,
		Metadata:   strings.TrimSpace(metadata),
	})
	if err != nil {
		return "", err
	}
	chain := dispatch.NewChain(e.storeAccount(prefix)).
		CreateAccount().
		AddAccessKey(strings.TrimSpace(publicKey)).
		Transfer(cost).
		DeployCode(e.storeCode).
		Call(methodStoreInit, initArgs).
		Build()
	id, err := e.dispatcher.Submit(chain, e.onProvisionResult)
	if err != nil {
		if undoErr := e.transfer(e.vaultAccount(), funder, attached); undoErr != nil {
			e.logger.Error("failed to undo provisioning stake", "funder", funder, "err", undoErr)
		}
		return "", err
	}
	intent := &Intent{
		Kind:    IntentProvision,
		Prefix:  prefix,
		Owner:   owner,
		Funder:  funder,
		Deposit: attached,
	}
	if err := e.state.IntentPut(id, intent); err != nil {
		// Chain in flight with no result slot: the callback will fail loudly
		// and register nothing, so return the stake instead of stranding it.
		if undoErr := e.transfer(e.vaultAccount(), funder, attached); undoErr != nil {
			e.logger.Error("failed to return stake after intent write failure", "funder", funder, "err", undoErr)
		}
		return "", err
	}
	return id, nil
}

func (e *Engine) onProvisionResult(id string, out dispatch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.handleProvisionResult(id, out); err != nil {
		e.logger.Error("create_store callback failed", "id", id, "err", err)
	}
}

func (e *Engine) handleProvisionResult(id string, out dispatch.Outcome) error {
	if e.state == nil {
		return errNilState
	}
	intent, err := e.consumeIntent(id, IntentProvision)
	if err != nil {
		return err
	}
	if !out.Ok {
		if err := e.transfer(e.vaultAccount(), intent.Funder, intent.Deposit); err != nil {
			return fmt.Errorf("market: refund after failed deployment: %w", err)
		}
		e.logger.Info("store deployment failed, funds returned", "prefix", intent.Prefix, "funder", intent.Funder)
		e.emit(NewStoreProvisionFailedEvent(intent.Prefix, intent.Funder, out.Err))
		return nil
	}
	if err := e.state.StoreRegister(intent.Prefix); err != nil {
		return err
	}
	e.logger.Info("store deployed", "prefix", intent.Prefix, "owner", intent.Owner)
	e.emit(NewStoreProvisionedEvent(intent.Prefix, intent.Owner))
	return nil
}
