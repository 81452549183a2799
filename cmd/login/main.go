package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/enlightenev/enlightenev/pkg/common"
	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/storage"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func main() {
	s := storage.Configured()
	m := coordinator.Configured(s)

	email := lflag.RequiredString("email", "Enlighten account email")
	password := lflag.String("password", "", "Enlighten account password, defaults to $ENLIGHTEN_PASSWORD")
	siteID := lflag.String("site-id", "", "site to add, required when the account has more than one")
	serials := lflag.String("serials", "", "comma-delimited charger serials to poll, empty for every charger on the site")
	remember := lflag.Bool("remember-password", false, "store the encrypted password so expired sessions renew silently")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	pw := *password
	if pw == "" {
		pw = os.Getenv("ENLIGHTEN_PASSWORD")
	}
	if pw == "" {
		fmt.Fprintln(os.Stderr, "a password is required (--password or ENLIGHTEN_PASSWORD)")
		os.Exit(2)
	}

	entry, created, err := login(ctx, s, m, loginRequest{
		email:    strings.TrimSpace(*email),
		password: pw,
		siteID:   strings.TrimSpace(*siteID),
		serials:  splitList(*serials),
		remember: *remember,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "login failed", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	out, _ := json.MarshalIndent(struct {
		Result  string   `json:"result"`
		ID      string   `json:"id"`
		SiteID  string   `json:"siteID"`
		Name    string   `json:"siteName,omitempty"`
		Serials []string `json:"serials"`
	}{verb, entry.ID, entry.SiteID, entry.SiteName, entry.Serials}, "", "  ")
	fmt.Println(string(out))
}

type loginRequest struct {
	email    string
	password string
	siteID   string
	serials  []string
	remember bool
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func describe(err error) string {
	switch {
	case errors.Is(err, enlighten.ErrInvalidCredentials):
		return "Enlighten rejected the email or password."
	case errors.Is(err, enlighten.ErrMFARequired):
		return "This account requires multi-factor authentication; complete it in the Enlighten web app first."
	case errors.Is(err, enlighten.ErrAuthUnavailable):
		return "The Enlighten login service is unavailable; try again later."
	}
	return err.Error()
}

// login authenticates, picks the site and serials and stores the entry. An
// existing entry for the site gets fresh tokens and credentials instead.
func login(ctx context.Context, store storage.Database, m *coordinator.Map, req loginRequest) (types.Entry, bool, error) {
	opts := types.DefaultOptions()
	auth := enlighten.NewAuthenticator(m.ClientConfig(), opts.Timeout())

	tokens, sites, err := auth.Authenticate(ctx, req.email, req.password)
	if err != nil {
		return types.Entry{}, false, fmt.Errorf("failed to authenticate: %w", err)
	}

	site, err := pickSite(sites, req.siteID)
	if err != nil {
		return types.Entry{}, false, err
	}
	ctx = log.WithAttrs(ctx, slog.String("siteID", site.ID))

	chosen := req.serials
	if len(chosen) == 0 {
		chargers, err := auth.Chargers(ctx, site.ID, tokens)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to list chargers: %w", err)
		}
		for _, c := range chargers {
			chosen = append(chosen, c.Serial)
		}
		if len(chosen) == 0 {
			return types.Entry{}, false, fmt.Errorf("no chargers found on site %s", site.ID)
		}
	}
	slices.Sort(chosen)

	var sealed []byte
	if req.remember {
		sealed, err = common.SealJSON(ctx, m.EncryptionKey(), types.Credentials{Password: req.password})
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to encrypt credentials: %w", err)
		}
	}

	entries, err := store.ListEntries(ctx)
	if err != nil {
		return types.Entry{}, false, fmt.Errorf("failed to list entries: %w", err)
	}
	now := time.Now()
	for _, existing := range entries {
		if existing.SiteID != site.ID {
			continue
		}
		existing.Email = req.email
		existing.Tokens = tokens
		existing.RememberPassword = req.remember
		existing.EncryptedCredentials = sealed
		if len(req.serials) > 0 {
			existing.Serials = chosen
		}
		existing.UpdatedAt = now
		if err := store.UpdateEntry(ctx, existing); err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to update entry: %w", err)
		}
		log.Ctx(ctx).InfoContext(ctx, "entry reauthenticated", slog.String("entryID", existing.ID))
		return existing, false, nil
	}

	entry := types.Entry{
		ID:                   uuid.New().String(),
		SiteID:               site.ID,
		SiteName:             site.Name,
		Serials:              chosen,
		Email:                req.email,
		RememberPassword:     req.remember,
		EncryptedCredentials: sealed,
		Tokens:               tokens,
		Options:              opts,
		OptionsVersion:       types.CurrentOptionsVersion,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := store.CreateEntry(ctx, entry); err != nil {
		return types.Entry{}, false, fmt.Errorf("failed to create entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "entry created", slog.String("entryID", entry.ID), slog.Int("serials", len(chosen)))
	return entry, true, nil
}

// pickSite returns the requested site, or the only one the account has.
func pickSite(sites []types.Site, siteID string) (types.Site, error) {
	if siteID != "" {
		for _, s := range sites {
			if s.ID == siteID {
				return s, nil
			}
		}
		// discovery is best effort, so trust an explicit site
		return types.Site{ID: siteID}, nil
	}
	switch len(sites) {
	case 0:
		return types.Site{}, errors.New("no sites found for this account; pass --site-id")
	case 1:
		return sites[0], nil
	}
	var b strings.Builder
	b.WriteString("the account has several sites; pass --site-id with one of:")
	for _, s := range sites {
		fmt.Fprintf(&b, "\n  %s %s", s.ID, s.Name)
	}
	return types.Site{}, errors.New(b.String())
}
