// Package identity maps chat senders to owner accounts.
//
// Resolution order for a sender identifier:
//
//  1. an account already linked to the identifier;
//  2. a placeholder account named after the identifier by convention
//     ("{channel}_{identifier}@bot.user");
//  3. a new placeholder with a random credential, linked to the identifier.
//
// Creation relies on the store's unique constraints, so two concurrent
// resolutions of the same unknown sender end up on the same account.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/job"
)

var (
	// ErrNotOwnContact is returned by [Resolver.LinkContact] when the shared
	// contact belongs to somebody other than the sender.
	ErrNotOwnContact = errors.New("identity: contact does not belong to sender")

	// ErrNoAccountForPhone is returned by [Resolver.LinkContact] when no
	// account carries the shared phone number.
	ErrNoAccountForPhone = errors.New("identity: no account with this phone number")

	// ErrUnsupportedChannel is returned for channels without sender identity.
	ErrUnsupportedChannel = errors.New("identity: channel has no sender identity")
)

// Resolver resolves and links sender identities.
type Resolver struct {
	accounts account.Store
}

// New returns a Resolver over accounts.
func New(accounts account.Store) *Resolver {
	return &Resolver{accounts: accounts}
}

// Linked returns the account already linked to identifier on channel, or
// [account.ErrNotFound]. It never creates anything.
func (r *Resolver) Linked(ctx context.Context, channel job.Channel, identifier string) (*account.Account, error) {
	switch channel {
	case job.ChannelTelegram:
		chatID, err := strconv.ParseInt(identifier, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("identity: telegram chat id %q: %w", identifier, err)
		}
		return r.accounts.ByTelegramChat(ctx, chatID)
	case job.ChannelWhatsApp:
		return r.accounts.ByPhone(ctx, identifier)
	}
	return nil, ErrUnsupportedChannel
}

// Resolve returns the owner for identifier, creating a placeholder account
// when neither a linked nor a conventionally named account exists.
func (r *Resolver) Resolve(ctx context.Context, channel job.Channel, identifier string) (*account.Account, error) {
	if identifier == "" {
		return nil, errors.New("identity: empty sender identifier")
	}

	a, err := r.Linked(ctx, channel, identifier)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}

	email := account.PlaceholderEmail(string(channel), identifier)
	a, err = r.accounts.ByEmail(ctx, email)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("identity: lookup placeholder: %w", err)
	}

	credential, err := randomCredential()
	if err != nil {
		return nil, err
	}
	placeholder := account.Account{
		Email:      email,
		Credential: credential,
		APIKey:     uuid.NewString(),
	}
	if channel == job.ChannelWhatsApp {
		placeholder.Phone = identifier
	}
	a, err = r.accounts.CreatePlaceholder(ctx, placeholder)
	if err != nil {
		return nil, fmt.Errorf("identity: create placeholder: %w", err)
	}

	if channel == job.ChannelTelegram && a.TelegramChatID == nil {
		chatID, _ := strconv.ParseInt(identifier, 10, 64)
		if err := r.accounts.LinkTelegram(ctx, a.ID, chatID); err != nil {
			return nil, fmt.Errorf("identity: link placeholder: %w", err)
		}
		a.TelegramChatID = &chatID
	}

	slog.Info("created placeholder account", "channel", channel, "owner_id", a.ID)
	return a, nil
}

// LinkContact attaches a Telegram chat to the existing account whose phone
// number matches a contact the sender shared about themselves. It never
// creates accounts.
func (r *Resolver) LinkContact(ctx context.Context, chatID, senderUserID, contactUserID int64, phone string) (*account.Account, error) {
	if contactUserID == 0 || contactUserID != senderUserID {
		return nil, ErrNotOwnContact
	}
	phone = NormalizePhone(phone)

	a, err := r.accounts.ByPhone(ctx, phone)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrNoAccountForPhone
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup phone: %w", err)
	}
	if err := r.accounts.LinkTelegram(ctx, a.ID, chatID); err != nil {
		return nil, fmt.Errorf("identity: link chat: %w", err)
	}
	a.TelegramChatID = &chatID
	return a, nil
}

// NormalizePhone trims whitespace and ensures a leading "+".
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}

func randomCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: generate credential: %w", err)
	}
	return hex.EncodeToString(b), nil
}
