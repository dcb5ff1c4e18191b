package askia

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testClient builds a client against a fake insurer with a recorded,
// non-blocking sleeper.
func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:   srv.URL,
		AppClient: "test-app",
		PVCode:    "PV001",
		BRCode:    "BR001",
		Timeout:   100 * time.Millisecond,
	})
	var waits []time.Duration
	c.sleep = func(d time.Duration) { waits = append(waits, d) }
	return c, srv, &waits
}

func TestRequestRetriesTimeoutsThenSucceeds(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			time.Sleep(400 * time.Millisecond) // beyond the client deadline
			return
		}
		fmt.Fprint(w, `{"primenette": 100000}`)
	})
	c, _, waits := testClient(t, handler)

	data, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if data["primenette"] != float64(100000) {
		t.Errorf("primenette = %v", data["primenette"])
	}
	// Linear backoff: 2s after the first timeout, 4s after the second.
	if len(*waits) != 2 || (*waits)[0] != 2*time.Second || (*waits)[1] != 4*time.Second {
		t.Errorf("waits = %v, want [2s 4s]", *waits)
	}
}

func TestRequestTimeoutExhaustsRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
	})
	c, _, _ := testClient(t, handler)

	_, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %T (%v), want *TransportError", err, err)
	}
	if !terr.Timeout {
		t.Errorf("Timeout flag not set: %+v", terr)
	}
}

func TestRequestRetries5xx(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status": "OK", "idSaisie": "77"}`)
	})
	c, _, waits := testClient(t, handler)

	data, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if strVal(data["idSaisie"]) != "77" {
		t.Errorf("idSaisie = %v", data["idSaisie"])
	}
	// Shorter backoff for 5xx: 0.6s then 1.2s.
	if len(*waits) != 2 || (*waits)[0] != 600*time.Millisecond || (*waits)[1] != 1200*time.Millisecond {
		t.Errorf("waits = %v, want [600ms 1.2s]", *waits)
	}
}

func TestRequest5xxExhaustedBecomesHTTPError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c, _, _ := testClient(t, handler)

	_, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %T (%v), want *HTTPError", err, err)
	}
	if herr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", herr.StatusCode)
	}
	if !strings.Contains(herr.Preview, "boom") {
		t.Errorf("Preview = %q", herr.Preview)
	}
}

func TestRequest4xxFailsImmediately(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "not found", http.StatusNotFound)
	})
	c, _, waits := testClient(t, handler)

	_, err := c.requestObject(context.Background(), "quittance/getfacture", nil, c.defaultProfile())
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %T, want *HTTPError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", got)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
}

func TestRequestNetworkErrorFailsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(Config{BaseURL: srv.URL, AppClient: "x", Timeout: 100 * time.Millisecond})
	var waits []time.Duration
	c.sleep = func(d time.Duration) { waits = append(waits, d) }

	_, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %T (%v), want *TransportError", err, err)
	}
	if terr.Timeout {
		t.Errorf("connection refused misclassified as timeout")
	}
	if len(waits) != 0 {
		t.Errorf("network errors must not retry, slept %v", waits)
	}
}

func TestRequestNonJSON(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	})
	c, _, _ := testClient(t, handler)

	_, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
	var ierr *InvalidResponseError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %T, want *InvalidResponseError", err)
	}
	if !strings.Contains(ierr.Preview, "maintenance") {
		t.Errorf("Preview = %q", ierr.Preview)
	}
}

func TestBusinessClassification(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     bool
		wantMsg     string
		wantInForce bool
	}{
		{"success false", `{"success": false, "message": "refus"}`, true, "refus", false},
		{"statut false", `{"statut": false}`, true, "Erreur métier Askia", false},
		{"status KO", `{"status": "ko"}`, true, "Erreur métier Askia", false},
		{"status FAIL", `{"status": "FAIL", "detail": "quota"}`, true, "quota", false},
		{"error text", `{"error": "indisponible"}`, true, "indisponible", false},
		{"error code number", `{"error": 12}`, true, "Erreur métier Askia", false},
		{"bad code", `{"code": "AX03", "message": "rejet"}`, true, "rejet", false},
		{"contract in force", `{"message": "Un CONTRAT EN COURS existe déjà"}`, true, "Un CONTRAT EN COURS existe déjà", true},
		{"error zero ok", `{"error": "0", "primenette": 1}`, false, "", false},
		{"error none ok", `{"error": "None"}`, false, "", false},
		{"code ok", `{"code": "OK"}`, false, "", false},
		{"code success ok", `{"code": "SUCCESS"}`, false, "", false},
		{"code zero ok", `{"code": 0}`, false, "", false},
		{"status active ok", `{"status": "ACTIVE"}`, false, "", false},
		{"plain payload ok", `{"primenette": 100000, "primettc": 125000}`, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			c, _, _ := testClient(t, handler)

			_, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var berr *BusinessError
			if !errors.As(err, &berr) {
				t.Fatalf("error = %T (%v), want *BusinessError", err, err)
			}
			if berr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", berr.Message, tt.wantMsg)
			}
			if berr.ContractInForce != tt.wantInForce {
				t.Errorf("ContractInForce = %v, want %v", berr.ContractInForce, tt.wantInForce)
			}
		})
	}
}

func TestRequestMasksParamsInLogs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "KO"}`)
	})
	c, _, _ := testClient(t, handler)

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	_, err := c.requestObject(context.Background(), "srwbclient/createclient",
		map[string]any{"numtel": "771234567", "nom": "Diop"}, c.defaultProfile())
	if err == nil {
		t.Fatal("expected business error")
	}

	logged := buf.String()
	if strings.Contains(logged, "771234567") {
		t.Errorf("phone number leaked into logs: %s", logged)
	}
	if !strings.Contains(logged, "*****") {
		t.Errorf("mask missing from logs: %s", logged)
	}
	if !strings.Contains(logged, "Diop") {
		t.Errorf("non-sensitive param should stay readable: %s", logged)
	}
}

func TestRequestSendsHeaders(t *testing.T) {
	var gotAccept, gotApp string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotApp = r.Header.Get("appClient")
		fmt.Fprint(w, `{}`)
	})
	c, _, _ := testClient(t, handler)

	if _, err := c.requestObject(context.Background(), "srwb/automobile", nil, c.defaultProfile()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotApp != "test-app" {
		t.Errorf("appClient = %q", gotApp)
	}
}

func TestRequestDropsNilParams(t *testing.T) {
	var query string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		fmt.Fprint(w, `{}`)
	})
	c, _, _ := testClient(t, handler)

	_, err := c.requestObject(context.Background(), "srwb/automobile",
		map[string]any{"cat": "510", "scatCode": nil}, c.defaultProfile())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if strings.Contains(query, "scatCode") {
		t.Errorf("nil param sent on the wire: %q", query)
	}
	if !strings.Contains(query, "cat=510") {
		t.Errorf("cat param missing: %q", query)
	}
}
