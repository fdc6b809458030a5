// Command e2etest runs end-to-end scenarios against a running TikTalk chat
// server: health, join, stranger reveal, admin authentication, direct messages
// and moderation round trips.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:3000/ws] [-api http://localhost:3000] [-admin-secret s] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tiktalk/chat-app/loadtest/client"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, detail string) scenarioResult { return scenarioResult{name, resultPass, detail} }

func fail(name string, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

// env carries the flags every scenario needs.
type env struct {
	wsURL       string
	apiBase     string
	adminSecret string
	step        time.Duration // per-wait timeout
}

func main() {
	wsURL := flag.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:3000", "HTTP base URL")
	adminSecret := flag.String("admin-secret", os.Getenv("ADMIN_SECRET"), "Admin secret (enables admin scenarios)")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== TikTalk E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := env{wsURL: *wsURL, apiBase: *apiBase, adminSecret: *adminSecret, step: 5 * time.Second}

	results := []scenarioResult{
		scenarioHealth(ctx, e),
		scenarioJoin(ctx, e),
		scenarioStrangerReveal(ctx, e),
		scenarioAdminAuth(ctx, e),
		scenarioDMOffline(ctx, e),
		scenarioDMDelivered(ctx, e),
		scenarioAdminBanRoundTrip(ctx, e),
	}

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// uniqueNick returns a nickname unlikely to collide with real users.
func uniqueNick(base string) string {
	return fmt.Sprintf("e2e-%s-%d", base, time.Now().UnixNano()%1_000_000)
}

// join connects and joins with a unique nickname.
func join(ctx context.Context, e env, base string) (*client.Client, error) {
	joinCtx, cancel := context.WithTimeout(ctx, e.step)
	defer cancel()
	return client.Connect(joinCtx, e.wsURL, uniqueNick(base), "E2E")
}

// await waits up to the step timeout for a frame on ch and decodes it into
// out when out is non-nil.
func await(ctx context.Context, e env, c *client.Client, ch <-chan json.RawMessage, out interface{}) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.step)
	defer cancel()
	raw, err := c.Await(waitCtx, ch)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func scenarioHealth(ctx context.Context, e env) scenarioResult {
	name := "Health and metrics"

	body, err := httpGetBody(ctx, e.apiBase+"/health")
	if err != nil {
		return fail(name, "/health: %v", err)
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &health); err != nil || health.Status != "ok" {
		return fail(name, "/health: unexpected body %q", body)
	}

	metricsBody, err := httpGetBody(ctx, e.apiBase+"/metrics")
	if err != nil {
		return fail(name, "/metrics: %v", err)
	}
	if !strings.Contains(string(metricsBody), "tiktalk_connections_total") {
		return fail(name, "/metrics: missing tiktalk_connections_total")
	}
	return pass(name, fmt.Sprintf("connections=%d", health.Connections))
}

func scenarioJoin(ctx context.Context, e env) scenarioResult {
	name := "Join and roster"

	c, err := client.Dial(ctx, e.wsURL)
	if err != nil {
		return fail(name, "connect: %v", err)
	}
	defer c.Close()

	roster := c.Expect(client.TypeUserList)
	joinCtx, cancel := context.WithTimeout(ctx, e.step)
	defer cancel()
	nick := uniqueNick("join")
	id, err := c.Join(joinCtx, nick, "E2E")
	if err != nil {
		return fail(name, "join: %v", err)
	}
	if id == "" {
		return fail(name, "joined carried no id")
	}

	var list struct {
		Users []struct {
			ID       string `json:"id"`
			Nickname string `json:"nickname"`
		} `json:"users"`
	}
	if err := await(ctx, e, c, roster, &list); err != nil {
		return fail(name, "user_list: %v", err)
	}
	for _, u := range list.Users {
		if u.ID == id && u.Nickname == nick {
			return pass(name, fmt.Sprintf("id=%s online=%d", truncateID(id), len(list.Users)))
		}
	}
	return fail(name, "own entry missing from roster of %d", len(list.Users))
}

func scenarioStrangerReveal(ctx context.Context, e env) scenarioResult {
	name := "Stranger chat and heart reveal"

	a, err := join(ctx, e, "alice")
	if err != nil {
		return fail(name, "alice: %v", err)
	}
	defer a.Close()
	b, err := join(ctx, e, "bob")
	if err != nil {
		return fail(name, "bob: %v", err)
	}
	defer b.Close()

	// Alice must be the one waiting, otherwise she paired with someone else
	// already in the queue.
	waiting := a.Expect(client.TypeStrangerWaiting)
	matchedA := a.Expect(client.TypeStrangerMatched)
	if err := a.Send(client.TypeStrangerFind, nil); err != nil {
		return fail(name, "alice find: %v", err)
	}
	if err := await(ctx, e, a, waiting, nil); err != nil {
		return scenarioResult{name, resultInfo, "queue was not empty; skipped"}
	}

	matchedB := b.Expect(client.TypeStrangerMatched)
	if err := b.Send(client.TypeStrangerFind, nil); err != nil {
		return fail(name, "bob find: %v", err)
	}
	var ma, mb struct {
		SessionID string `json:"sessionId"`
		Role      string `json:"role"`
	}
	if err := await(ctx, e, a, matchedA, &ma); err != nil {
		return fail(name, "alice stranger_matched: %v", err)
	}
	if err := await(ctx, e, b, matchedB, &mb); err != nil {
		return fail(name, "bob stranger_matched: %v", err)
	}
	if ma.SessionID == "" || ma.SessionID != mb.SessionID || ma.Role != "B" || mb.Role != "A" {
		return fail(name, "unexpected pairing alice=%+v bob=%+v", ma, mb)
	}

	relayed := b.Expect(client.TypeStrangerMsg)
	echoed := a.Expect(client.TypeStrangerMsgSent)
	if err := a.Send(client.TypeStrangerMsg, map[string]interface{}{"message": "hi stranger", "msgId": "e2e_1"}); err != nil {
		return fail(name, "send: %v", err)
	}
	var got struct {
		MsgID   string `json:"msgId"`
		Message string `json:"message"`
	}
	if err := await(ctx, e, b, relayed, &got); err != nil || got.Message != "hi stranger" || got.MsgID != "e2e_1" {
		return fail(name, "relay: %v %+v", err, got)
	}
	if err := await(ctx, e, a, echoed, nil); err != nil {
		return fail(name, "stranger_msg_sent: %v", err)
	}

	heartSeen := b.Expect(client.TypeStrangerHeartReceived)
	if err := a.Send(client.TypeStrangerHeart, nil); err != nil {
		return fail(name, "alice heart: %v", err)
	}
	if err := await(ctx, e, b, heartSeen, nil); err != nil {
		return fail(name, "stranger_heart_received: %v", err)
	}

	moveA := a.Expect(client.TypeStrangerMoveToDM)
	moveB := b.Expect(client.TypeStrangerMoveToDM)
	if err := b.Send(client.TypeStrangerHeart, nil); err != nil {
		return fail(name, "bob heart: %v", err)
	}
	var ra, rb struct {
		PartnerNick string `json:"partnerNick"`
	}
	if err := await(ctx, e, a, moveA, &ra); err != nil {
		return fail(name, "alice move_to_dm: %v", err)
	}
	if err := await(ctx, e, b, moveB, &rb); err != nil {
		return fail(name, "bob move_to_dm: %v", err)
	}
	if ra.PartnerNick != b.Nickname() || rb.PartnerNick != a.Nickname() {
		return fail(name, "reveal named %q and %q", ra.PartnerNick, rb.PartnerNick)
	}
	return pass(name, "session="+truncateID(ma.SessionID))
}

func scenarioAdminAuth(ctx context.Context, e env) scenarioResult {
	name := "Admin authentication"

	c, err := join(ctx, e, "mallory")
	if err != nil {
		return fail(name, "join: %v", err)
	}
	defer c.Close()

	denied := c.Expect(client.TypeAdminFail)
	if err := c.Send(client.TypeAdminAuth, map[string]interface{}{"secret": "definitely-wrong"}); err != nil {
		return fail(name, "send: %v", err)
	}
	if err := await(ctx, e, c, denied, nil); err != nil {
		return fail(name, "admin_fail: %v", err)
	}

	// A ban from a non-admin is dropped without a reply. The DM error that
	// follows proves the server processed the ban first.
	banOK := c.Expect(client.TypeBanOK)
	marker := c.Expect(client.TypeError)
	if err := c.Send(client.TypeAdminBan, map[string]interface{}{"ip": "203.0.113.9", "permanent": true}); err != nil {
		return fail(name, "ban: %v", err)
	}
	if err := c.Send(client.TypeDM, map[string]interface{}{"targetNick": uniqueNick("nobody"), "message": "x"}); err != nil {
		return fail(name, "marker dm: %v", err)
	}
	if err := await(ctx, e, c, marker, nil); err != nil {
		return fail(name, "marker error: %v", err)
	}
	select {
	case <-banOK:
		return fail(name, "non-admin ban was acknowledged")
	default:
	}

	if e.adminSecret == "" {
		return pass(name, "wrong secret rejected; no -admin-secret for the success path")
	}

	granted := c.Expect(client.TypeAdminOK)
	if err := c.Send(client.TypeAdminAuth, map[string]interface{}{"secret": e.adminSecret}); err != nil {
		return fail(name, "send: %v", err)
	}
	var ok struct {
		BannedIPs []json.RawMessage `json:"bannedIPs"`
		Reports   []json.RawMessage `json:"reports"`
	}
	if err := await(ctx, e, c, granted, &ok); err != nil {
		return fail(name, "admin_ok: %v", err)
	}
	return pass(name, fmt.Sprintf("bans=%d reports=%d", len(ok.BannedIPs), len(ok.Reports)))
}

func scenarioDMOffline(ctx context.Context, e env) scenarioResult {
	name := "DM to offline user"

	c, err := join(ctx, e, "carol")
	if err != nil {
		return fail(name, "join: %v", err)
	}
	defer c.Close()

	errFrame := c.Expect(client.TypeError)
	sent := c.Expect(client.TypeDMSent)
	if err := c.Send(client.TypeDM, map[string]interface{}{
		"targetNick": uniqueNick("ghost"),
		"message":    "are you there?",
		"dmMsgId":    "e2e_dm_1",
	}); err != nil {
		return fail(name, "send: %v", err)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := await(ctx, e, c, errFrame, &msg); err != nil {
		return fail(name, "error frame: %v", err)
	}
	if msg.Message != "User not found or offline." {
		return fail(name, "unexpected error %q", msg.Message)
	}
	select {
	case <-sent:
		return fail(name, "dm_sent for an offline target")
	default:
	}
	return pass(name, "")
}

func scenarioDMDelivered(ctx context.Context, e env) scenarioResult {
	name := "DM delivery"

	a, err := join(ctx, e, "dave")
	if err != nil {
		return fail(name, "dave: %v", err)
	}
	defer a.Close()
	b, err := join(ctx, e, "erin")
	if err != nil {
		return fail(name, "erin: %v", err)
	}
	defer b.Close()

	delivered := b.Expect(client.TypeDM)
	acked := a.Expect(client.TypeDMSent)
	if err := a.Send(client.TypeDM, map[string]interface{}{
		"targetNick": b.Nickname(),
		"message":    "hello",
		"dmMsgId":    "e2e_dm_2",
	}); err != nil {
		return fail(name, "send: %v", err)
	}

	var dm struct {
		From    string `json:"from"`
		Message string `json:"message"`
		DMMsgID string `json:"dmMsgId"`
	}
	if err := await(ctx, e, b, delivered, &dm); err != nil {
		return fail(name, "dm: %v", err)
	}
	var ack struct {
		To      string `json:"to"`
		DMMsgID string `json:"dmMsgId"`
	}
	if err := await(ctx, e, a, acked, &ack); err != nil {
		return fail(name, "dm_sent: %v", err)
	}
	if dm.From != a.Nickname() || dm.Message != "hello" || dm.DMMsgID != ack.DMMsgID || ack.To != b.Nickname() {
		return fail(name, "dm=%+v ack=%+v", dm, ack)
	}
	return pass(name, "")
}

// scenarioAdminBanRoundTrip bans and unbans a documentation-range address so
// no real client is affected.
func scenarioAdminBanRoundTrip(ctx context.Context, e env) scenarioResult {
	name := "Admin ban and unban"
	if e.adminSecret == "" {
		return scenarioResult{name, resultInfo, "skipped: no -admin-secret"}
	}

	c, err := join(ctx, e, "admin")
	if err != nil {
		return fail(name, "join: %v", err)
	}
	defer c.Close()

	granted := c.Expect(client.TypeAdminOK)
	if err := c.Send(client.TypeAdminAuth, map[string]interface{}{"secret": e.adminSecret}); err != nil {
		return fail(name, "auth: %v", err)
	}
	if err := await(ctx, e, c, granted, nil); err != nil {
		return fail(name, "admin_ok: %v", err)
	}

	const target = "203.0.113.77"
	banned := c.Expect(client.TypeBanOK)
	if err := c.Send(client.TypeAdminBan, map[string]interface{}{
		"ip":       target,
		"nickname": "e2e-target",
		"duration": 60000,
	}); err != nil {
		return fail(name, "ban: %v", err)
	}
	var ban struct {
		IP string `json:"ip"`
	}
	if err := await(ctx, e, c, banned, &ban); err != nil || ban.IP != target {
		return fail(name, "ban_ok: %v %+v", err, ban)
	}

	unbanned := c.Expect(client.TypeUnbanOK)
	if err := c.Send(client.TypeAdminUnban, map[string]interface{}{"ip": target}); err != nil {
		return fail(name, "unban: %v", err)
	}
	// Ban rows are [ip, {expiry, permanent, nickname}] pairs.
	var unban struct {
		IP        string              `json:"ip"`
		BannedIPs [][]json.RawMessage `json:"bannedIPs"`
	}
	if err := await(ctx, e, c, unbanned, &unban); err != nil {
		return fail(name, "unban_ok: %v", err)
	}
	for _, row := range unban.BannedIPs {
		var ip string
		if len(row) > 0 && json.Unmarshal(row[0], &ip) == nil && ip == target {
			return fail(name, "address still listed after unban")
		}
	}
	return pass(name, "")
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
