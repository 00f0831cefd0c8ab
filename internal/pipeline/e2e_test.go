package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/listingrelay/internal/composer"
	"github.io/infrasutra/listingrelay/internal/listing"
	"github.io/infrasutra/listingrelay/internal/publisher"
	"github.io/infrasutra/listingrelay/internal/resolver"
	"github.io/infrasutra/listingrelay/internal/secrets"
	"github.io/infrasutra/listingrelay/internal/store"
)

const listingPage = `<html><head>
<script id="__NEXT_DATA__" type="application/json">
{"props":{"pageProps":{"ad":{
  "title":"Sedan X",
  "price":{"grossAmount":9000,"currency":"EUR"},
  "mileageInKm":120000,
  "images":[{"uri":"/img/1.jpg"}]
}}}}
</script></head><body><div id="app"></div></body></html>`

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/listing/redirect-to-listing/1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/listing/1", http.StatusFound)
	})
	mux.HandleFunc("/listing/1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage))
	})
	mux.HandleFunc("/img/1.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-1"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type e2e struct {
	store     *store.Store
	publisher *fakePublisher
	account   store.Account
	pipeline  *Pipeline
}

func newE2E(t *testing.T, composeErr, publishErr error) *e2e {
	t.Helper()
	ctx := context.Background()
	box, err := secrets.NewBox("e2e-master-key")
	require.NoError(t, err)
	st, err := store.Open(ctx, "", box)
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(ctx))
	t.Cleanup(func() { _ = st.Close() })

	acc, err := st.SaveAccount(ctx, store.Account{
		Name:            "dealer",
		MailboxAddress:  "dealer@relay.test",
		MailboxPassword: "mail-secret",
		ComposerKey:     "sk-test",
		PublisherToken:  "123:abc",
		ChannelRef:      "@cars",
		MarkupEUR:       500,
		AutoPublish:     true,
	})
	require.NoError(t, err)

	site := listing.Site{
		Name:          "local",
		Domain:        "127.0.0.1",
		ListingPaths:  []*regexp.Regexp{regexp.MustCompile(`^/listing/\d+$`)},
		RedirectPaths: []*regexp.Regexp{regexp.MustCompile(`^/listing/redirect-to-listing/`)},
		Canonical:     regexp.MustCompile(`^/listing/\d+$`),
	}
	res := resolver.New(site, resolver.Options{Cooldown: 10 * time.Millisecond}, nil, nil)
	pub := &fakePublisher{log: &eventLog{}, err: publishErr, channelID: -100123}

	p := New(Config{Site: site, RequirePhotos: true}, Deps{
		Mailbox:   RelayInbox{Inbox: st},
		Composer:  &fakeComposer{err: composeErr},
		Publisher: pub,
		Resolvers: func() ListingResolver { return res.NewSession() },
		Ledger:    st,
		Accounts:  st,
	}, nil)
	return &e2e{store: st, publisher: pub, account: acc, pipeline: p}
}

func (e *e2e) deliver(t *testing.T, msg store.InboundMessage) {
	t.Helper()
	msg.CreatedAt = time.Now()
	if msg.Raw == nil {
		msg.Raw = []byte("raw")
	}
	require.NoError(t, e.store.InsertMessage(context.Background(), msg,
		[]store.Recipient{{Email: e.account.MailboxAddress, Type: "to"}}))
}

func TestEndToEndListingWithComposerDown(t *testing.T) {
	srv := newListingServer(t)
	e := newE2E(t, composer.ErrCompose, nil)
	ctx := context.Background()
	e.deliver(t, store.InboundMessage{
		ID:       "m1",
		From:     "alerts@127.0.0.1",
		Subject:  "New match",
		TextBody: "Your search has a new car: " + srv.URL + "/listing/redirect-to-listing/1",
	})

	summary, err := e.pipeline.RunAccount(ctx, e.account.ID, ModeScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)

	entries, total, err := e.store.List(ctx, e.account.ID, store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	entry := entries[0]
	assert.True(t, entry.Published)
	assert.Equal(t, "Sedan X", entry.Title)
	assert.Equal(t, srv.URL+"/listing/1", entry.SourceURL)
	require.NotNil(t, entry.RawPrice)
	assert.Equal(t, 9000, *entry.RawPrice)
	require.NotNil(t, entry.FinalPrice)
	assert.Equal(t, 9500, *entry.FinalPrice)
	require.NotNil(t, entry.PublishedAt)
	assert.WithinDuration(t, time.Now(), *entry.PublishedAt, time.Minute)

	require.Len(t, e.publisher.calls, 1)
	call := e.publisher.calls[0]
	assert.Equal(t, "Sedan X\nЦена: 9 500 €\n"+srv.URL+"/listing/1", call.text)
	assert.Equal(t, [][]byte{[]byte("jpeg-1")}, call.photos)
	assert.Equal(t, publisher.Target{Token: "123:abc", ChannelRef: "@cars", ChatID: -100123}, call.target)

	unseen, err := e.store.ListUnseen(ctx, e.account.MailboxAddress)
	require.NoError(t, err)
	assert.Empty(t, unseen)

	loaded, err := e.store.LoadAccount(ctx, e.account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, -100123, loaded.ChannelID)

	stats, err := e.store.Stats(ctx, e.account.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerStats{Total: 1, Published: 1, LastWeek: 1}, stats)
}

func TestEndToEndMessageWithoutListing(t *testing.T) {
	cases := []struct {
		name       string
		publishErr error
		published  bool
	}{
		{name: "publisher accepts", published: true},
		{name: "publisher rejects", publishErr: publisher.ErrPublish, published: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newE2E(t, nil, tc.publishErr)
			ctx := context.Background()
			e.deliver(t, store.InboundMessage{ID: "m1", From: "friend@example.com", Subject: "BMW 320d", TextBody: "call me"})

			_, err := e.pipeline.RunAccount(ctx, e.account.ID, ModeManual)
			require.NoError(t, err)

			entries, total, err := e.store.List(ctx, e.account.ID, store.ListOptions{Limit: 10})
			require.NoError(t, err)
			require.EqualValues(t, 1, total)
			assert.Equal(t, tc.published, entries[0].Published)
			assert.Equal(t, "BMW 320d", entries[0].Title)
			if tc.published {
				require.NotNil(t, entries[0].PublishedAt)
				assert.WithinDuration(t, time.Now(), *entries[0].PublishedAt, time.Minute)
			} else {
				assert.Nil(t, entries[0].PublishedAt)
				assert.Contains(t, entries[0].Error, "publish failed")
			}

			unseen, err := e.store.ListUnseen(ctx, e.account.MailboxAddress)
			require.NoError(t, err)
			assert.Empty(t, unseen)

			require.Len(t, e.publisher.calls, 1)
			assert.Equal(t, "post: BMW 320d", e.publisher.calls[0].text)
			assert.Empty(t, e.publisher.calls[0].photos)
		})
	}
}
