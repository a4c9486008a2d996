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

package keypackages

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/efchatnet/hearth/backend/models"
	"github.com/efchatnet/hearth/backend/relay"
)

const ticketVersion = 1

var (
	errTicketAuthor    = errors.New("ticket household does not match event author")
	errTicketSignature = errors.New("ticket signature does not verify")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keypackages: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("keypackages: CBOR decoder initialization failed: " + err.Error())
	}
}

// ticketBody is the signed part of a key package. Its deterministic CBOR
// encoding is hashed to identify the ticket.
type ticketBody struct {
	Version       int      `cbor:"1,keyasint"`
	HouseholdKey  string   `cbor:"2,keyasint"`
	CredentialKey []byte   `cbor:"3,keyasint"`
	InitKey       []byte   `cbor:"4,keyasint"`
	Relays        []string `cbor:"5,keyasint"`
	IssuedAt      int64    `cbor:"6,keyasint"`
}

type ticketEnvelope struct {
	Body      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Credential is the key material a ticket is built from.
type Credential struct {
	InitKey []byte
	Signer  ed25519.PrivateKey
}

func ticketHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// sealTicket signs a new ticket and returns the key package and the event
// content carrying it.
func sealTicket(householdKey string, cred Credential, relays []string, issued time.Time) (models.KeyPackage, string, error) {
	body := ticketBody{
		Version:       ticketVersion,
		HouseholdKey:  householdKey,
		CredentialKey: cred.Signer.Public().(ed25519.PublicKey),
		InitKey:       cred.InitKey,
		Relays:        relays,
		IssuedAt:      issued.Unix(),
	}
	bodyBytes, err := encMode.Marshal(body)
	if err != nil {
		return models.KeyPackage{}, "", fmt.Errorf("keypackages: encoding ticket: %w", err)
	}
	sig := ed25519.Sign(cred.Signer, bodyBytes)
	envelope, err := encMode.Marshal(ticketEnvelope{Body: bodyBytes, Signature: sig})
	if err != nil {
		return models.KeyPackage{}, "", fmt.Errorf("keypackages: encoding envelope: %w", err)
	}
	kp := models.KeyPackage{
		Hash:          ticketHash(bodyBytes),
		HouseholdKey:  householdKey,
		CredentialKey: body.CredentialKey,
		InitKey:       body.InitKey,
		Relays:        body.Relays,
		Body:          bodyBytes,
		Signature:     sig,
		CreatedAt:     time.Unix(body.IssuedAt, 0).UTC(),
	}
	return kp, base64.StdEncoding.EncodeToString(envelope), nil
}

// openTicket decodes and verifies a ticket carried by a relay event.
func openTicket(ev relay.Event) (models.KeyPackage, error) {
	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return models.KeyPackage{}, fmt.Errorf("decoding content: %w", err)
	}
	var envelope ticketEnvelope
	if err := decMode.Unmarshal(raw, &envelope); err != nil {
		return models.KeyPackage{}, fmt.Errorf("decoding envelope: %w", err)
	}
	var body ticketBody
	if err := decMode.Unmarshal(envelope.Body, &body); err != nil {
		return models.KeyPackage{}, fmt.Errorf("decoding body: %w", err)
	}
	if body.HouseholdKey != ev.Author {
		return models.KeyPackage{}, errTicketAuthor
	}
	if len(body.CredentialKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(body.CredentialKey, envelope.Body, envelope.Signature) {
		return models.KeyPackage{}, errTicketSignature
	}
	return models.KeyPackage{
		Hash:          ticketHash(envelope.Body),
		HouseholdKey:  body.HouseholdKey,
		CredentialKey: body.CredentialKey,
		InitKey:       body.InitKey,
		Relays:        body.Relays,
		Body:          envelope.Body,
		Signature:     envelope.Signature,
		EventID:       ev.ID,
		CreatedAt:     time.Unix(body.IssuedAt, 0).UTC(),
	}, nil
}
