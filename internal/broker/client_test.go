package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"neo-trader/internal/errors"
	"neo-trader/internal/resilience"
	"neo-trader/internal/session"
)

type staticCreds session.Session

func (s staticCreds) Current() session.Session { return session.Session(s) }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		LoginURL:       srv.URL,
		GatewayURL:     srv.URL,
		FinKey:         "neotradeapi",
		AccessToken:    "access-123",
		MobileNumber:   "9876543210",
		UCC:            "AB123",
		Timeout:        5 * time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}, zerolog.Nop())
	c.SetCredentialSource(staticCreds{
		ViewToken:  "vt",
		ViewSID:    "vs",
		TradeToken: "trade-tok",
		TradeSID:   "trade-sid",
		BaseURL:    srv.URL,
	})
	return c
}

func TestTradeAPILoginReadsNestedData(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "access-123" || r.Header.Get("neo-fin-key") != "neotradeapi" {
			t.Errorf("missing base headers: %v", r.Header)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":{"token":"view-tok","sid":"view-sid","rid":"x"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	st1, err := c.TradeAPILogin(context.Background(), "123456")
	if err != nil {
		t.Fatalf("TradeAPILogin: %v", err)
	}
	if st1.Token != "view-tok" || st1.SID != "view-sid" {
		t.Errorf("stage1 = %+v", st1)
	}
	if got["mobileNumber"] != "+919876543210" || got["ucc"] != "AB123" || got["totp"] != "123456" {
		t.Errorf("request body = %v", got)
	}
}

func TestTradeAPIValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Auth") != "view-tok" || r.Header.Get("sid") != "view-sid" {
			t.Errorf("stage1 headers not sent: %v", r.Header)
		}
		w.Write([]byte(`{"data":{"token":"tt","sid":"ts","baseUrl":"https://gw.test","dataCenter":"E22"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	st2, err := c.TradeAPIValidate(context.Background(), session.Stage1{Token: "view-tok", SID: "view-sid"}, "0000")
	if err != nil {
		t.Fatalf("TradeAPIValidate: %v", err)
	}
	want := session.Stage2{Token: "tt", SID: "ts", BaseURL: "https://gw.test", DataCenter: "E22"}
	if st2 != want {
		t.Errorf("stage2 = %+v, want %+v", st2, want)
	}
}

func TestTradeAPIValidateRejectedKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Invalid MPIN"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var fired atomic.Bool
	c.OnAuthRejected(func(ctx context.Context, reason string) { fired.Store(true) })

	_, err := c.TradeAPIValidate(context.Background(), session.Stage1{Token: "a", SID: "b"}, "bad")
	if !errors.Is(err, errors.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid MPIN") {
		t.Errorf("broker wording lost: %v", err)
	}
	if fired.Load() {
		t.Error("login failures must not invalidate the session")
	}
}

func TestPlaceOrderSendsJDataForm(t *testing.T) {
	var jData map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != placePath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Auth") != "trade-tok" || r.Header.Get("sid") != "trade-sid" {
			t.Errorf("trade headers missing: %v", r.Header)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		json.Unmarshal([]byte(r.PostForm.Get("jData")), &jData)
		w.Write([]byte(`{"stat":"Ok","nOrdNo":"X1","stCode":200}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.PlaceOrder(context.Background(), map[string]string{"ts": "BEL-EQ", "qt": "1"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp["nOrdNo"] != "X1" {
		t.Errorf("response = %v", resp)
	}
	if jData["ts"] != "BEL-EQ" || jData["qt"] != "1" {
		t.Errorf("jData = %v", jData)
	}
}

func TestPlaceOrderNon2xxIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"stat":"Not_Ok","emsg":"RMS:Margin Exceeds"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).PlaceOrder(context.Background(), map[string]string{})
	if !errors.Is(err, errors.ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	var berr *errors.BrokerError
	if !errors.As(err, &berr) || !strings.Contains(berr.Body, "RMS:Margin Exceeds") {
		t.Errorf("raw body not preserved: %v", err)
	}
}

func TestAuthRejectionFiresCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"session expired"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var reason atomic.Value
	c.OnAuthRejected(func(ctx context.Context, r string) { reason.Store(r) })

	_, err := c.OrderBook(context.Background())
	if !errors.Is(err, errors.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if reason.Load() == nil {
		t.Error("auth rejection callback not fired")
	}
}

func TestSessionRejectedIn2xxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stat":"Not_Ok","emsg":"Invalid Session Id","stCode":1003}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var reason atomic.Value
	c.OnAuthRejected(func(ctx context.Context, r string) { reason.Store(r) })

	_, err := c.Positions(context.Background())
	if !errors.Is(err, errors.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	var berr *errors.BrokerError
	if !errors.As(err, &berr) || berr.Status != http.StatusOK || !strings.Contains(berr.Body, "Invalid Session Id") {
		t.Errorf("broker error = %+v", berr)
	}
	if r, _ := reason.Load().(string); !strings.Contains(r, "Invalid Session Id") {
		t.Errorf("callback reason = %q", r)
	}
}

func TestSessionRejected(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"stat":"Not_Ok","emsg":"Session Expired"}`, true},
		{`{"code":"900901","message":"Invalid Credentials","description":"Access failure"}`, true},
		{`{"code":900902,"message":"Missing Credentials"}`, true},
		{`{"stat":"Not_Ok","errMsg":"Invalid JWT token"}`, true},
		{`{"stat":"Not_Ok","emsg":"No Data","stCode":5203}`, false},
		{`{"stat":"Not_Ok","emsg":"RMS:Margin Exceeds"}`, false},
		{`{"stat":"Ok","emsg":"invalid session"}`, false},
		{`[{"nOrdNo":"1"}]`, false},
		{`pSymbol;,pExchSeg`, false},
	}
	for _, tt := range tests {
		if _, got := sessionRejected([]byte(tt.body)); got != tt.want {
			t.Errorf("sessionRejected(%s) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestTradingCallWithoutSession(t *testing.T) {
	c := NewClient(ClientConfig{GatewayURL: "http://127.0.0.1:1"}, zerolog.Nop())
	c.SetCredentialSource(staticCreds{ViewToken: "vt", ViewSID: "vs"})

	if _, err := c.Positions(context.Background()); !errors.Is(err, errors.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestTransportErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	if _, err := c.TradeBook(context.Background()); !errors.Is(err, errors.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestGatewayBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	for i := 0; i < 5; i++ {
		if _, err := c.TradeBook(context.Background()); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if got := c.BreakerStats().State; got != resilience.CircuitOpen {
		t.Fatalf("breaker state = %s after 5 gateway errors", got)
	}

	_, err := c.TradeBook(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, errors.ErrTransport) {
		t.Errorf("expected open-circuit transport error, got %v", err)
	}
	if hits.Load() != 5 {
		t.Errorf("server hit %d times, want 5", hits.Load())
	}
}

func TestOrderBookEmptyDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stat":"Not_Ok","emsg":"No Data","stCode":5203}`))
	}))
	defer srv.Close()

	book, err := newTestClient(t, srv).OrderBook(context.Background())
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(book) != 0 {
		t.Errorf("expected empty book, got %v", book)
	}
}

func TestOrderBookUnparseableIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stat":"Ok","data":"maintenance"}`))
	}))
	defer srv.Close()

	book, err := newTestClient(t, srv).OrderBook(context.Background())
	if err == nil {
		t.Fatalf("expected parse error, got book %v", book)
	}
	var berr *errors.BrokerError
	if !errors.As(err, &berr) || !strings.Contains(berr.Body, "maintenance") {
		t.Errorf("raw body not preserved: %v", err)
	}
}

func TestHoldingsNoHoldingsIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFailedDependency)
		w.Write([]byte(`{"message":"No holdings found"}`))
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv).Holdings(context.Background())
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if string(raw) != `{"stat":"Ok","data":[]}` {
		t.Errorf("holdings = %s", raw)
	}
}

func TestLimitsUsesCapitalSidHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != limitsPath {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Sid") != "trade-sid" {
			t.Errorf("Sid header = %q", r.Header.Get("Sid"))
		}
		r.ParseForm()
		if !strings.Contains(r.PostForm.Get("jData"), `"seg":"ALL"`) {
			t.Errorf("jData = %s", r.PostForm.Get("jData"))
		}
		w.Write([]byte(`{"stat":"Ok","Net":"1000"}`))
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv).Limits(context.Background())
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	if !strings.Contains(string(raw), `"Net":"1000"`) {
		t.Errorf("limits = %s", raw)
	}
}

func TestQuoteUsesAccessTokenOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, quotesPath) || !strings.HasSuffix(r.URL.Path, "/all") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "access-123" || r.Header.Get("Auth") != "" {
			t.Errorf("headers = %v", r.Header)
		}
		w.Write([]byte(`[{"exchange_token":"11536","ltp":"3500.00"}]`))
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv).Quote(context.Background(), "nse_cm|11536")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !strings.Contains(string(raw), "11536") {
		t.Errorf("quote = %s", raw)
	}
}

func TestCatalogFilesKeepsOnlyCSV(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case filePathsPath:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"filesPaths": []interface{}{srvURL + "/files/nse_cm.csv", srvURL + "/files/readme.txt", 42},
				},
			})
		case "/files/nse_cm.csv":
			io.WriteString(w, "pSymbol;,pTrdSymbol;\n11536,TCS-EQ\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := newTestClient(t, srv)
	files, err := c.CatalogFiles(context.Background())
	if err != nil {
		t.Fatalf("CatalogFiles: %v", err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0], "nse_cm.csv") {
		t.Fatalf("files = %v", files)
	}

	body, err := c.FetchCatalog(context.Background(), files[0])
	if err != nil {
		t.Fatalf("FetchCatalog: %v", err)
	}
	if !strings.Contains(string(body), "TCS-EQ") {
		t.Errorf("body = %s", body)
	}
}

func TestFirstString(t *testing.T) {
	obj := map[string]interface{}{
		"view_token": "",
		"viewToken":  nil,
		"token":      "third",
		"sid":        float64(12345),
	}
	if got := FirstString(obj, ViewTokenKeys...); got != "third" {
		t.Errorf("FirstString(view token) = %q", got)
	}
	if got := FirstString(obj, ViewSIDKeys...); got != "12345" {
		t.Errorf("FirstString(view sid) = %q", got)
	}
	if got := FirstString(obj, BaseURLKeys...); got != "" {
		t.Errorf("FirstString(base url) = %q", got)
	}
}

func TestNormalizeMobile(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"9876543210", "+919876543210"},
		{"+919876543210", "+919876543210"},
		{" 9876543210 ", "+919876543210"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMobile(tt.in); got != tt.want {
			t.Errorf("NormalizeMobile(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerateTOTP(t *testing.T) {
	code, err := GenerateTOTP("JBSWY3DPEHPK3PXP", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("GenerateTOTP: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code = %q", code)
	}
	if _, err := GenerateTOTP("not base32!", time.Now()); err == nil {
		t.Error("expected error for invalid secret")
	}
}

func TestLoginWithoutTokenLogsMaskedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"sid":"sid-abcdef123456","greeting":"hello"}}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := NewClient(ClientConfig{LoginURL: srv.URL, RateLimitRPS: 1000, RateLimitBurst: 1000}, zerolog.New(&buf))

	if _, err := c.TradeAPILogin(context.Background(), "123456"); !errors.Is(err, errors.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "sid-abcdef123456") {
		t.Errorf("raw sid logged: %s", out)
	}
	if !strings.Contains(out, "sid-********3456") || !strings.Contains(out, `"greeting":"hello"`) {
		t.Errorf("masked response not logged: %s", out)
	}
}
