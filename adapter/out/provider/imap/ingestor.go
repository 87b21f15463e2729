// Package imap ingests mail over a long-lived IMAP session. The ingestor
// backfills the inbox window once, then sits in IDLE and ingests new
// messages as the server announces them.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/crypto"
	"mailbridge/pkg/logger"
)

const (
	fetchChunk = 50

	// Servers may drop idle connections after ~30 minutes; the IDLE is
	// re-issued well before that.
	idleRenew = 20 * time.Minute

	// Poll fallback for servers without the IDLE capability.
	pollFallback = time.Minute

	connectTimeout = 30 * time.Second
	readTimeout    = 3 * time.Minute
	writeTimeout   = 30 * time.Second
)

type Settings struct {
	DaysBack int
}

// Ingestor is the per-account IMAP session.
type Ingestor struct {
	account  *domain.MailAccount
	tokens   out.TokenSource
	sink     out.MessageSink
	accounts out.AccountRepository
	settings Settings
	log      *logger.Logger

	client *imapclient.Client
	wake   chan struct{}

	// Highest UID ingested so far; IDLE wakes fetch everything above it.
	lastUID imap.UID
}

func NewIngestor(account *domain.MailAccount, tokens out.TokenSource, sink out.MessageSink, accounts out.AccountRepository, settings Settings) *Ingestor {
	if settings.DaysBack <= 0 {
		settings.DaysBack = 30
	}
	return &Ingestor{
		account:  account,
		tokens:   tokens,
		sink:     sink,
		accounts: accounts,
		settings: settings,
		log:      logger.WithComponent("imap-ingestor").WithAccount(account.Email),
		wake:     make(chan struct{}, 1),
	}
}

// deadlineConn arms read and write deadlines per operation; go-imap has no
// built-in timeouts, so a dead server would otherwise block forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// Run connects, backfills the window and then watches for new mail until ctx
// dies or the session breaks. The supervisor owns reconnects.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := i.connect(ctx); err != nil {
		return err
	}
	defer i.close()

	if _, err := i.client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return apperr.TransientIO(err, "inbox select failed")
	}

	if err := i.accounts.SetSyncStatus(ctx, i.account.ID, domain.SyncSyncing); err != nil {
		i.log.Warn("failed to set syncing status: %v", err)
	}
	if err := i.syncWindow(ctx); err != nil {
		return err
	}
	if err := i.accounts.SetLastSyncAt(ctx, i.account.ID, time.Now().UTC()); err != nil {
		i.log.Warn("failed to record last sync: %v", err)
	}
	if err := i.accounts.SetSyncStatus(ctx, i.account.ID, domain.SyncIdle); err != nil {
		i.log.Warn("failed to set idle status: %v", err)
	}

	if i.client.Caps().Has(imap.CapIdle) {
		return i.idleLoop(ctx)
	}
	i.log.Info("server lacks IDLE, polling every %s", pollFallback)
	return i.pollLoop(ctx)
}

func (i *Ingestor) connect(ctx context.Context) error {
	cfg := i.account.IMAPConfig
	if cfg == nil {
		return apperr.AuthPermanent(domain.ErrIMAPConfigRequired, "account has no imap config")
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case i.wake <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	var conn net.Conn
	var err error
	if cfg.Secure {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return apperr.TransientIO(err, "imap dial failed")
	}

	i.client = imapclient.New(&deadlineConn{
		Conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}, options)

	if err := i.client.WaitGreeting(); err != nil {
		i.client.Close()
		return apperr.TransientIO(err, "no imap greeting")
	}

	if err := i.login(ctx); err != nil {
		i.client.Close()
		return err
	}
	i.log.Info("imap session established with %s", cfg.Host)
	return nil
}

// login authenticates with XOAUTH2 for OAuth accounts and LOGIN otherwise.
// An authentication refusal is permanent; the supervisor must not retry it.
func (i *Ingestor) login(ctx context.Context) error {
	if i.account.AuthType == domain.AuthTypeOAuth {
		accessToken, err := i.tokens.GetValidAccessToken(ctx, i.account.Email)
		if err != nil {
			return err
		}
		if err := i.client.Authenticate(newXOAuth2Client(i.account.Email, accessToken)); err != nil {
			return apperr.AuthExpired(err, "xoauth2 authentication refused")
		}
		return nil
	}

	password, err := crypto.Decrypt(i.account.IMAPConfig.EncryptedPassword)
	if err != nil {
		return apperr.AuthPermanent(err, "cannot decrypt imap password")
	}
	if err := i.client.Login(i.account.Email, password).Wait(); err != nil {
		return apperr.AuthPermanent(err, "imap login refused")
	}
	return nil
}

func (i *Ingestor) close() {
	if i.client == nil {
		return
	}
	if err := i.client.Logout().Wait(); err != nil {
		i.log.Debug("logout failed, closing anyway: %v", err)
	}
	i.client.Close()
}

// syncWindow ingests every inbox message from the trailing window.
func (i *Ingestor) syncWindow(ctx context.Context) error {
	since := time.Now().AddDate(0, 0, -i.settings.DaysBack)
	searchData, err := i.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return apperr.TransientIO(err, "uid search failed")
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}
	i.log.Info("window search matched %d messages", len(uids))

	for start := 0; start < len(uids); start += fetchChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + fetchChunk
		if end > len(uids) {
			end = len(uids)
		}
		if err := i.ingestUIDs(ctx, uids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ingestUIDs fetches one chunk with peeked bodies and hands it to the sink.
func (i *Ingestor) ingestUIDs(ctx context.Context, uids []imap.UID) error {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	return i.ingestSet(ctx, uidSet)
}

func (i *Ingestor) ingestSet(ctx context.Context, set imap.NumSet) error {
	buffers, err := i.client.Fetch(set, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}).Collect()
	if err != nil {
		return apperr.TransientIO(err, "uid fetch failed")
	}

	msgs := make([]*domain.Message, 0, len(buffers))
	for _, buf := range buffers {
		i.observeUID(buf.UID)
		msgs = append(msgs, i.toMessage(buf))
	}
	if len(msgs) == 0 {
		return nil
	}

	result, err := i.sink.Ingest(ctx, msgs)
	if err != nil {
		return err
	}
	if result.Indexed > 0 {
		i.log.Debug("ingested %d new, %d known", result.Indexed, result.Skipped)
	}
	return nil
}

func (i *Ingestor) observeUID(uid imap.UID) {
	if uid > i.lastUID {
		i.lastUID = uid
	}
}

// newMailCriteria matches everything above the last seen UID. No date bound:
// a pushed message older than the backfill window is still ingested.
func (i *Ingestor) newMailCriteria() *imap.SearchCriteria {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(i.lastUID+1, 0)
	return &imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}
}

// syncNew ingests the messages the server announced during IDLE.
func (i *Ingestor) syncNew(ctx context.Context) error {
	if i.lastUID == 0 {
		// Nothing seen yet; fetch just the newest message.
		seqSet := imap.SeqSet{}
		seqSet.AddNum(0)
		return i.ingestSet(ctx, seqSet)
	}

	searchData, err := i.client.UIDSearch(i.newMailCriteria(), nil).Wait()
	if err != nil {
		return apperr.TransientIO(err, "uid search failed")
	}
	uids := searchData.AllUIDs()
	for start := 0; start < len(uids); start += fetchChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + fetchChunk
		if end > len(uids) {
			end = len(uids)
		}
		if err := i.ingestUIDs(ctx, uids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// idleLoop alternates IDLE with incremental syncs. The unilateral handler
// wakes it on new mail; the renewal timer bounds each IDLE's lifetime.
func (i *Ingestor) idleLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		idleCmd, err := i.client.Idle()
		if err != nil {
			return apperr.TransientIO(err, "idle failed")
		}

		renewed := false
		select {
		case <-ctx.Done():
			idleCmd.Close()
			idleCmd.Wait()
			return ctx.Err()
		case <-i.wake:
		case <-time.After(idleRenew):
			renewed = true
		}

		if err := idleCmd.Close(); err != nil {
			return apperr.TransientIO(err, "idle close failed")
		}
		if err := idleCmd.Wait(); err != nil {
			return apperr.TransientIO(err, "idle wait failed")
		}

		if !renewed {
			if err := i.syncNew(ctx); err != nil {
				return err
			}
			if err := i.accounts.SetLastSyncAt(ctx, i.account.ID, time.Now().UTC()); err != nil {
				i.log.Warn("failed to record last sync: %v", err)
			}
		}
	}
}

func (i *Ingestor) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := i.syncWindow(ctx); err != nil {
				return err
			}
		}
	}
}

// toMessage normalizes one fetched buffer into the canonical record.
func (i *Ingestor) toMessage(buf *imapclient.FetchMessageBuffer) *domain.Message {
	uid := strconv.FormatUint(uint64(buf.UID), 10)
	msg := &domain.Message{
		ID:        domain.MessageID(i.account.Email, uid),
		AccountID: i.account.ID,
		Folder:    "inbox",
		UID:       uid,
		Date:      buf.InternalDate,
	}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		if !env.Date.IsZero() {
			msg.Date = env.Date
		}
		if len(env.From) > 0 {
			msg.From = toAddress(env.From[0])
		}
		for _, a := range env.To {
			msg.To = append(msg.To, toAddress(a))
		}
		for _, a := range env.Cc {
			msg.Cc = append(msg.Cc, toAddress(a))
		}
	}

	seen := false
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			seen = true
			break
		}
	}
	if !seen {
		msg.Flags = append(msg.Flags, "unread")
	}

	for _, section := range buf.BodySection {
		text, html := parseBody(section.Bytes)
		msg.TextBody = text
		msg.HTMLBody = html
		break
	}

	msg.Normalize()
	return msg
}

func toAddress(a imap.Address) domain.Address {
	return domain.Address{
		Name:    a.Name,
		Address: domain.NormalizeEmail(a.Mailbox + "@" + a.Host),
	}
}

// parseBody walks the MIME tree for the first text and html parts. A raw
// body that fails MIME parsing is kept verbatim as text.
func parseBody(raw []byte) (text, html string) {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return string(raw), ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		switch {
		case strings.HasPrefix(contentType, "text/plain") && text == "":
			b, _ := io.ReadAll(part.Body)
			text = string(b)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			b, _ := io.ReadAll(part.Body)
			html = string(b)
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}
