package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tradeview/streamrelay/internal/model"
)

// ErrNotAuthenticated is returned when the gateway refuses a session.
var ErrNotAuthenticated = errors.New("gateway refused authentication")

// Authenticate opens a new gateway session for the user and returns the
// opaque session token.
func (c *Client) Authenticate(ctx context.Context, userID string) (string, error) {
	var resp authResponse
	if err := c.postJSON(ctx, "/session", "", authRequest{UserID: userID}, &resp); err != nil {
		return "", fmt.Errorf("authenticate user %s: %w", userID, err)
	}
	if !resp.Authenticated || resp.Token == "" {
		return "", ErrNotAuthenticated
	}
	return resp.Token, nil
}

// Tickle probes the session keep-alive endpoint. A false return with nil
// error means the gateway answered but considers the session dead.
func (c *Client) Tickle(ctx context.Context, token string) (bool, error) {
	var resp tickleResponse
	if err := c.postJSON(ctx, "/tickle", token, nil, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// Logout destroys the session on the gateway.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.postJSON(ctx, "/logout", token, nil, nil)
}

// Snapshot fetches quotes for up to the gateway's batch limit of
// instruments in one round trip. Instruments absent from the response are
// per-instrument failures; the caller decides how to escalate.
func (c *Client) Snapshot(ctx context.Context, token string, conids []string) (map[string]model.Quote, error) {
	if len(conids) == 0 {
		return map[string]model.Quote{}, nil
	}

	query := url.Values{}
	query.Set("conids", strings.Join(conids, ","))
	query.Set("fields", strings.Join(SnapshotFields, ","))

	var wire []snapshotWire
	if err := c.getJSON(ctx, "/marketdata/snapshot", token, query, &wire); err != nil {
		return nil, err
	}

	quotes := make(map[string]model.Quote, len(wire))
	for _, w := range wire {
		ts := w.UpdatedMS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		quotes[w.ConID] = model.Quote{
			InstrumentID: w.ConID,
			Price:        w.Last,
			Volume:       w.Volume,
			High:         w.High,
			Low:          w.Low,
			ChangePct:    w.ChangePct,
			Timestamp:    ts,
		}
	}

	return quotes, nil
}

// SubscribeBatch registers upstream subscriptions for up to the batch
// limit of instruments in one round trip. The response carries a
// per-instrument outcome; a failed instrument does not fail the batch.
func (c *Client) SubscribeBatch(ctx context.Context, token string, conids []string) ([]SubscribeResult, error) {
	if len(conids) == 0 {
		return nil, nil
	}

	var resp subscribeResponse
	if err := c.postJSON(ctx, "/subscriptions", token, subscribeRequest{ConIDs: conids}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// UnsubscribeBatch releases upstream subscription handles.
func (c *Client) UnsubscribeBatch(ctx context.Context, token string, subIDs []string) error {
	if len(subIDs) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/subscriptions/delete", token, unsubscribeRequest{SubscriptionIDs: subIDs}, nil)
}
