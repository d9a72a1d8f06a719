package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/identity"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/store/memstore"
)

func TestResolve_Precedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("linked account wins", func(t *testing.T) {
		accounts := memstore.New().Accounts()
		linked := accounts.Add(account.Account{Email: "real@example.com", Phone: "4915111"})
		accounts.Add(account.Account{Email: account.PlaceholderEmail("whatsapp", "4915111")})

		got, err := identity.New(accounts).Resolve(ctx, job.ChannelWhatsApp, "4915111")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.ID != linked.ID {
			t.Errorf("resolved %d, want linked %d", got.ID, linked.ID)
		}
	})

	t.Run("conventional placeholder second", func(t *testing.T) {
		accounts := memstore.New().Accounts()
		ph := accounts.Add(account.Account{Email: account.PlaceholderEmail("whatsapp", "4915222"), Placeholder: true})

		got, err := identity.New(accounts).Resolve(ctx, job.ChannelWhatsApp, "4915222")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.ID != ph.ID {
			t.Errorf("resolved %d, want placeholder %d", got.ID, ph.ID)
		}
	})

	t.Run("creates placeholder last", func(t *testing.T) {
		accounts := memstore.New().Accounts()

		got, err := identity.New(accounts).Resolve(ctx, job.ChannelWhatsApp, "4915333")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !got.Placeholder {
			t.Error("created account is not a placeholder")
		}
		if got.Email != "whatsapp_4915333@bot.user" {
			t.Errorf("email = %q", got.Email)
		}
		if got.Phone != "4915333" {
			t.Errorf("phone = %q, want the identifier linked", got.Phone)
		}

		again, err := identity.New(accounts).Resolve(ctx, job.ChannelWhatsApp, "4915333")
		if err != nil {
			t.Fatalf("second Resolve: %v", err)
		}
		if again.ID != got.ID {
			t.Errorf("second resolve created a new account: %d vs %d", again.ID, got.ID)
		}
	})

	t.Run("telegram placeholder is linked to chat", func(t *testing.T) {
		accounts := memstore.New().Accounts()

		got, err := identity.New(accounts).Resolve(ctx, job.ChannelTelegram, "777")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		linked, err := accounts.ByTelegramChat(ctx, 777)
		if err != nil {
			t.Fatalf("ByTelegramChat: %v", err)
		}
		if linked.ID != got.ID {
			t.Errorf("chat linked to %d, want %d", linked.ID, got.ID)
		}
	})
}

func TestResolve_ConcurrentUnknownSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	accounts := memstore.New().Accounts()
	r := identity.New(accounts)

	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Resolve(ctx, job.ChannelWhatsApp, "4915999")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = a.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent resolution produced different owners: %v", ids)
		}
	}
}

func TestLinkContact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name        string
		sender      int64
		contactUser int64
		phone       string
		seedPhone   string
		wantErr     error
	}{
		{name: "own contact without plus", sender: 10, contactUser: 10, phone: "4915444", seedPhone: "+4915444"},
		{name: "own contact with plus", sender: 10, contactUser: 10, phone: "+4915444", seedPhone: "+4915444"},
		{name: "someone else's contact", sender: 10, contactUser: 11, phone: "+4915444", seedPhone: "+4915444", wantErr: identity.ErrNotOwnContact},
		{name: "contact without user id", sender: 10, contactUser: 0, phone: "+4915444", seedPhone: "+4915444", wantErr: identity.ErrNotOwnContact},
		{name: "unknown phone", sender: 10, contactUser: 10, phone: "+4915000", seedPhone: "+4915444", wantErr: identity.ErrNoAccountForPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := memstore.New().Accounts()
			seeded := accounts.Add(account.Account{Email: "user@example.com", Phone: tt.seedPhone})

			got, err := identity.New(accounts).LinkContact(ctx, 555, tt.sender, tt.contactUser, tt.phone)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if _, err := accounts.ByTelegramChat(ctx, 555); !errors.Is(err, account.ErrNotFound) {
					t.Error("chat was linked despite error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LinkContact: %v", err)
			}
			if got.ID != seeded.ID {
				t.Errorf("linked %d, want %d", got.ID, seeded.ID)
			}
			linked, err := accounts.ByTelegramChat(ctx, 555)
			if err != nil || linked.ID != seeded.ID {
				t.Errorf("ByTelegramChat = %v, %v", linked, err)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"4915":   "+4915",
		"+4915":  "+4915",
		" 4915 ": "+4915",
		"":       "",
	} {
		if got := identity.NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
