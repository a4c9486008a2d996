// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package groups

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/efchatnet/hearth/backend/keypackages"
	"github.com/efchatnet/hearth/backend/models"
)

// Welcomes maps an invited household key to its opaque welcome message.
type Welcomes map[string][]byte

// Provider is the group-key-agreement capability. It owns group secrets and
// membership; the coordinator only moves its messages around.
type Provider interface {
	keypackages.KeySource
	CreateGroup(ctx context.Context, groupID string, invitees []models.KeyPackage) (Welcomes, error)
	AddMembers(ctx context.Context, groupID string, invitees []models.KeyPackage) (Welcomes, error)
	RemoveMembers(ctx context.Context, groupID string, householdKeys []string) error
	JoinGroup(ctx context.Context, groupID string, welcome []byte) error
	// Members lists the household keys of a joined group.
	Members(ctx context.Context, groupID string) ([]string, error)
}

var (
	ErrUnknownGroup   = errors.New("groups: unknown group")
	ErrInvalidInitKey = errors.New("groups: invalid init key")
	ErrWelcomeNotOurs = errors.New("groups: welcome cannot be opened with our init key")
)

const seedSize = 32

type epochState struct {
	epoch   uint64
	secret  []byte
	members map[string]struct{}
}

type welcomeSecrets struct {
	GroupID string   `cbor:"1,keyasint"`
	Epoch   uint64   `cbor:"2,keyasint"`
	Secret  []byte   `cbor:"3,keyasint"`
	Members []string `cbor:"4,keyasint"`
}

// LocalProvider is an in-process Provider for development and tests. Init
// keys are X25519, epoch secrets are chained with HKDF, and welcomes are
// sealed to the invitee's init key with NaCl anonymous boxes.
type LocalProvider struct {
	householdKey string
	initPub      [32]byte
	initPriv     [32]byte
	signer       ed25519.PrivateKey

	mu     sync.Mutex
	groups map[string]*epochState
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider derives the provider's keys from seed, or from fresh
// randomness when seed is empty.
func NewLocalProvider(householdKey string, seed []byte) (*LocalProvider, error) {
	if len(seed) == 0 {
		seed = make([]byte, seedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("groups: generating seed: %w", err)
		}
	}
	p := &LocalProvider{householdKey: householdKey, groups: make(map[string]*epochState)}

	kdf := hkdf.New(sha256.New, seed, nil, []byte("hearth init key"))
	if _, err := io.ReadFull(kdf, p.initPriv[:]); err != nil {
		return nil, fmt.Errorf("groups: deriving init key: %w", err)
	}
	pub, err := curve25519.X25519(p.initPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("groups: deriving init key: %w", err)
	}
	copy(p.initPub[:], pub)

	signerSeed := make([]byte, ed25519.SeedSize)
	kdf = hkdf.New(sha256.New, seed, nil, []byte("hearth credential"))
	if _, err := io.ReadFull(kdf, signerSeed); err != nil {
		return nil, fmt.Errorf("groups: deriving credential: %w", err)
	}
	p.signer = ed25519.NewKeyFromSeed(signerSeed)
	return p, nil
}

func (p *LocalProvider) KeyMaterial(context.Context) (keypackages.Credential, error) {
	return keypackages.Credential{InitKey: append([]byte(nil), p.initPub[:]...), Signer: p.signer}, nil
}

func nextSecret(secret []byte, epoch uint64) ([]byte, error) {
	out := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("hearth epoch "+strconv.FormatUint(epoch, 10)))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *LocalProvider) CreateGroup(ctx context.Context, groupID string, invitees []models.KeyPackage) (Welcomes, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("groups: generating group secret: %w", err)
	}
	state := &epochState{secret: secret, members: map[string]struct{}{p.householdKey: {}}}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.groups[groupID]; exists {
		return nil, fmt.Errorf("groups: group %s already exists", groupID)
	}
	welcomes, err := p.admitLocked(state, groupID, invitees)
	if err != nil {
		return nil, err
	}
	p.groups[groupID] = state
	return welcomes, nil
}

func (p *LocalProvider) AddMembers(ctx context.Context, groupID string, invitees []models.KeyPackage) (Welcomes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	next := &epochState{epoch: state.epoch, secret: state.secret, members: make(map[string]struct{}, len(state.members))}
	for m := range state.members {
		next.members[m] = struct{}{}
	}
	welcomes, err := p.admitLocked(next, groupID, invitees)
	if err != nil {
		return nil, err
	}
	p.groups[groupID] = next
	return welcomes, nil
}

// admitLocked advances state to a new epoch containing invitees and seals
// the epoch secret to each of them. state is only modified on success.
func (p *LocalProvider) admitLocked(state *epochState, groupID string, invitees []models.KeyPackage) (Welcomes, error) {
	for _, kp := range invitees {
		if len(kp.InitKey) != 32 {
			return nil, fmt.Errorf("%w: %d bytes from %s", ErrInvalidInitKey, len(kp.InitKey), kp.HouseholdKey)
		}
	}
	epoch := state.epoch + 1
	secret, err := nextSecret(state.secret, epoch)
	if err != nil {
		return nil, fmt.Errorf("groups: advancing epoch: %w", err)
	}
	members := make(map[string]struct{}, len(state.members)+len(invitees))
	for m := range state.members {
		members[m] = struct{}{}
	}
	for _, kp := range invitees {
		members[kp.HouseholdKey] = struct{}{}
	}
	memberList := sortedKeys(members)

	welcomes := make(Welcomes, len(invitees))
	for _, kp := range invitees {
		msg, err := cbor.Marshal(welcomeSecrets{GroupID: groupID, Epoch: epoch, Secret: secret, Members: memberList})
		if err != nil {
			return nil, fmt.Errorf("groups: encoding welcome: %w", err)
		}
		var recipient [32]byte
		copy(recipient[:], kp.InitKey)
		sealed, err := box.SealAnonymous(nil, msg, &recipient, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("groups: sealing welcome for %s: %w", kp.HouseholdKey, err)
		}
		welcomes[kp.HouseholdKey] = sealed
	}
	state.epoch = epoch
	state.secret = secret
	state.members = members
	return welcomes, nil
}

func (p *LocalProvider) RemoveMembers(ctx context.Context, groupID string, householdKeys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	secret, err := nextSecret(state.secret, state.epoch+1)
	if err != nil {
		return fmt.Errorf("groups: advancing epoch: %w", err)
	}
	for _, key := range householdKeys {
		delete(state.members, key)
	}
	state.epoch++
	state.secret = secret
	return nil
}

// JoinGroup opens a welcome addressed to this household. Joining a group a
// second time is a no-op.
func (p *LocalProvider) JoinGroup(ctx context.Context, groupID string, welcome []byte) error {
	msg, ok := box.OpenAnonymous(nil, welcome, &p.initPub, &p.initPriv)
	if !ok {
		return ErrWelcomeNotOurs
	}
	var secrets welcomeSecrets
	if err := cbor.Unmarshal(msg, &secrets); err != nil {
		return fmt.Errorf("groups: decoding welcome: %w", err)
	}
	if secrets.GroupID != groupID {
		return fmt.Errorf("groups: welcome is for group %s, not %s", secrets.GroupID, groupID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.groups[groupID]; ok && existing.epoch >= secrets.Epoch {
		return nil
	}
	members := make(map[string]struct{}, len(secrets.Members))
	for _, m := range secrets.Members {
		members[m] = struct{}{}
	}
	members[p.householdKey] = struct{}{}
	p.groups[groupID] = &epochState{epoch: secrets.Epoch, secret: secrets.Secret, members: members}
	return nil
}

func (p *LocalProvider) Members(ctx context.Context, groupID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return sortedKeys(state.members), nil
}

// Epoch returns the current epoch and secret of a group.
func (p *LocalProvider) Epoch(groupID string) (uint64, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.groups[groupID]
	if !ok {
		return 0, nil, false
	}
	return state.epoch, append([]byte(nil), state.secret...), true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
