package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/errors"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/storage"
	"github.com/akumuli/akumulid/internal/storage/types"
)

// openTestDB creates and opens a database in a temp directory.
func openTestDB(t *testing.T) *storage.Connection {
	t.Helper()
	dir := t.TempDir()
	if err := storage.CreateDatabase(dir, 4, 1024*1024, false); err != nil {
		t.Fatal(err)
	}
	con, err := storage.Open(dir, storage.FineTuneParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { con.Close() })
	return con
}

// freeUDPPort reserves and releases an ephemeral UDP port.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return port
}

// freeTCPPort reserves and releases an ephemeral TCP port.
func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// countSamples queries the engine for the number of stored samples of a
// metric, retrying until the expectation holds or the deadline passes.
func countSamples(t *testing.T, con *storage.Connection, metric string, want int) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	got := 0
	for time.Now().Before(deadline) {
		session, err := con.NewSession()
		if err != nil {
			t.Fatal(err)
		}
		cursor, err := session.Query(storage.Query{Kind: storage.KindSelect, Metric: metric})
		if err != nil {
			session.Close()
			t.Fatal(err)
		}
		got = 0
		out := make([]types.Sample, 64)
		for {
			n, err := cursor.ReadSome(out)
			got += n
			if err != nil {
				break
			}
		}
		cursor.Close()
		session.Close()
		if got >= want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	return got
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_UnknownProtocol(t *testing.T) {
	con := openTestDB(t)
	qproc := query.NewQueryProcessor(con, 0)

	_, err := Create(con, qproc, config.ServerSettings{Name: "QUIC"})
	if !errors.Is(err, errors.ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestRegistry_BuiltinFactories(t *testing.T) {
	con := openTestDB(t)
	qproc := query.NewQueryProcessor(con, 0)

	for _, name := range []string{"HTTP", "TCP", "UDP"} {
		settings := config.ServerSettings{
			Name:      name,
			Protocols: []config.ProtocolSettings{{Name: name, Endpoint: ":0"}},
		}
		if name == "TCP" {
			settings.Protocols[0].Name = "RESP"
		}
		if _, err := Create(con, qproc, settings); err != nil {
			t.Errorf("factory %s: %v", name, err)
		}
	}
}

func TestRegistry_UDPRejectsMultipleProtocols(t *testing.T) {
	con := openTestDB(t)
	qproc := query.NewQueryProcessor(con, 0)

	_, err := Create(con, qproc, config.ServerSettings{
		Name: "UDP",
		Protocols: []config.ProtocolSettings{
			{Name: "UDP", Endpoint: ":1"},
			{Name: "UDP", Endpoint: ":2"},
		},
	})
	if !errors.Is(err, errors.ErrBadSettings) {
		t.Errorf("expected ErrBadSettings, got %v", err)
	}
}

// =============================================================================
// Signal handler
// =============================================================================

func TestSignalHandler_Trigger(t *testing.T) {
	h := NewSignalHandler()

	stopped := make(map[int]int)
	h.AddHandler(0, func() { stopped[0]++ })
	h.AddHandler(1, func() { stopped[1]++ })

	ids := h.Trigger()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("unexpected ids %v", ids)
	}
	if stopped[0] != 1 || stopped[1] != 1 {
		t.Errorf("handlers should run exactly once: %v", stopped)
	}

	// A second trigger is a no-op.
	if ids := h.Trigger(); len(ids) != 0 {
		t.Errorf("second trigger should stop nothing, got %v", ids)
	}
}

// =============================================================================
// UDP server
// =============================================================================

func TestUdpServer_IngestAndStop(t *testing.T) {
	con := openTestDB(t)
	port := freeUDPPort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)

	srv := NewUdpServer(con, 2, endpoint)
	sig := NewSignalHandler()
	if err := srv.Start(sig, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("udp4", endpoint)
	if err != nil {
		t.Fatal(err)
	}
	const k = 20
	for i := 0; i < k; i++ {
		datagram := fmt.Sprintf("+udp.metric tag=a\r\n:%d\r\n+%d\r\n", 1000+i, i)
		if _, err := conn.Write([]byte(datagram)); err != nil {
			t.Fatal(err)
		}
	}
	conn.Close()

	if got := countSamples(t, con, "udp.metric", k); got != k {
		t.Errorf("expected %d ingested samples, got %d", k, got)
	}

	pps, bps := srv.Stats()
	if pps == 0 || bps == 0 {
		t.Errorf("expected nonzero pps/bps, got %d/%d", pps, bps)
	}

	srv.Stop()
	// Stop is idempotent.
	srv.Stop()

	// The port is free for immediate rebind.
	pc, err := net.ListenPacket("udp4", endpoint)
	if err != nil {
		t.Fatalf("port should be free after Stop: %v", err)
	}
	pc.Close()
}

func TestUdpServer_MalformedDatagramIsolation(t *testing.T) {
	con := openTestDB(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", freeUDPPort(t))

	// One worker guarantees both datagrams hit the same parser path.
	srv := NewUdpServer(con, 1, endpoint)
	if err := srv.Start(NewSignalHandler(), 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("udp4", endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("+broken series!\r\n+garbage\r\n+more\r\n"))
	conn.Write([]byte("+good.metric tag=a\r\n:1000\r\n+1\r\n"))

	// The valid datagram lands in a fresh parser despite the earlier
	// poisoned batch.
	if got := countSamples(t, con, "good.metric", 1); got != 1 {
		t.Errorf("expected 1 sample from valid datagram, got %d", got)
	}
}

func TestUdpServer_StopViaSignalHandler(t *testing.T) {
	con := openTestDB(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", freeUDPPort(t))

	srv := NewUdpServer(con, 3, endpoint)
	sig := NewSignalHandler()
	if err := srv.Start(sig, 7); err != nil {
		t.Fatal(err)
	}

	done := make(chan []int)
	go func() { done <- sig.Trigger() }()

	select {
	case ids := <-done:
		if len(ids) != 1 || ids[0] != 7 {
			t.Errorf("unexpected ids %v", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete in time")
	}
}

// =============================================================================
// TCP server
// =============================================================================

func TestTcpServer_IngestRESP(t *testing.T) {
	con := openTestDB(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))

	srv := NewTcpServer(con, 2, []config.ProtocolSettings{{Name: "RESP", Endpoint: endpoint}})
	if err := srv.Start(NewSignalHandler(), 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		fmt.Fprintf(conn, "+tcp.metric tag=a\r\n:%d\r\n+%d\r\n", 1000+i, i)
	}
	conn.Close()

	if got := countSamples(t, con, "tcp.metric", 5); got != 5 {
		t.Errorf("expected 5 samples, got %d", got)
	}
}

func TestTcpServer_IngestOpenTSDB(t *testing.T) {
	con := openTestDB(t)
	respEndpoint := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))
	tsdbEndpoint := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))

	srv := NewTcpServer(con, 2, []config.ProtocolSettings{
		{Name: "RESP", Endpoint: respEndpoint},
		{Name: "OpenTSDB", Endpoint: tsdbEndpoint},
	})
	if err := srv.Start(NewSignalHandler(), 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", tsdbEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(conn, "put tsdb.metric 1577836800 3.5 host=a\n")
	conn.Close()

	if got := countSamples(t, con, "tsdb.metric", 1); got != 1 {
		t.Errorf("expected 1 sample, got %d", got)
	}
}

func TestTcpServer_ParseErrorReported(t *testing.T) {
	con := openTestDB(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))

	srv := NewTcpServer(con, 1, []config.ProtocolSettings{{Name: "RESP", Endpoint: endpoint}})
	if err := srv.Start(NewSignalHandler(), 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("+cpu host=a\r\n+badtimestamp!\r\n"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(reply), "-") {
		t.Errorf("expected RESP error reply, got %q", reply)
	}
}

// =============================================================================
// HTTP server
// =============================================================================

func startHTTP(t *testing.T, con *storage.Connection) string {
	t.Helper()
	endpoint := fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t))
	srv := NewHttpServer(query.NewQueryProcessor(con, 0), endpoint)
	if err := srv.Start(NewSignalHandler(), 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return "http://" + endpoint
}

func TestHttpServer_Query(t *testing.T) {
	con := openTestDB(t)

	session, _ := con.NewSession()
	session.Write("series1 tag=a", 1577836800000000000, 3.14)
	session.Close()

	base := startHTTP(t, con)

	resp, err := http.Post(base+"/api/query", "application/json",
		strings.NewReader(`{"select": "series1", "output": {"format": "csv"}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	line := strings.TrimSpace(string(body))
	if !strings.HasPrefix(line, "series1 tag=a,") || !strings.HasSuffix(line, ",3.14") {
		t.Errorf("unexpected body %q", line)
	}
}

func TestHttpServer_BadQuery(t *testing.T) {
	con := openTestDB(t)
	base := startHTTP(t, con)

	resp, err := http.Post(base+"/api/query", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHttpServer_SuggestSearchStats(t *testing.T) {
	con := openTestDB(t)

	session, _ := con.NewSession()
	session.Write("cpu.user host=a", 1000, 1)
	session.Write("cpu.sys host=a", 1000, 1)
	session.Close()

	base := startHTTP(t, con)

	resp, err := http.Post(base+"/api/suggest", "application/json",
		strings.NewReader(`{"select": "metric-names", "starts-with": "cpu."}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "cpu.user") || !strings.Contains(string(body), "cpu.sys") {
		t.Errorf("unexpected suggest body %q", body)
	}

	resp, err = http.Post(base+"/api/search", "application/json",
		strings.NewReader(`{"select": "cpu.user"}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(string(body)) != "cpu.user host=a" {
		t.Errorf("unexpected search body %q", body)
	}

	resp, err = http.Get(base + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "write_count") {
		t.Errorf("unexpected stats body %q", body)
	}

	resp, err = http.Get(base + "/api/function-names")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "mean") {
		t.Errorf("unexpected function names %q", body)
	}
}
