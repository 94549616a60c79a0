package wire

import (
	"strings"
	"testing"
)

func TestEncodeStatus_EmitsNetworksPlural(t *testing.T) {
	s := Status{
		HardwareUUID: "abc-123",
		Hostname:     "host1",
		Networks: []NetworkInterface{
			{Name: "en0", IPv4: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:ff", Kind: KindEthernet},
		},
	}

	data, err := EncodeStatus(s)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"networks"`) {
		t.Errorf("expected encoded status to contain \"networks\", got %s", data)
	}
	if strings.Contains(string(data), `"network"`) {
		t.Errorf("expected encoded status to never emit singular \"network\", got %s", data)
	}
}

func TestDecodeStatus_AcceptsPluralNetworks(t *testing.T) {
	data := []byte(`{"hardwareUUID":"x","hostname":"h","networks":[{"name":"en0","ipv4":"1.2.3.4","mac":"aa","kind":"Ethernet"}]}`)
	s, err := DecodeStatus(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(s.Networks) != 1 || s.Networks[0].Name != "en0" {
		t.Fatalf("unexpected networks: %+v", s.Networks)
	}
}

func TestDecodeStatus_AcceptsLegacySingularNetwork(t *testing.T) {
	data := []byte(`{"hardwareUUID":"x","hostname":"h","network":{"name":"en0","ipv4":"1.2.3.4","mac":"aa","kind":"Ethernet"}}`)
	s, err := DecodeStatus(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(s.Networks) != 1 || s.Networks[0].Name != "en0" {
		t.Fatalf("unexpected networks from legacy field: %+v", s.Networks)
	}
}

func TestDecodeStatus_PluralWinsOverLegacy(t *testing.T) {
	data := []byte(`{"hardwareUUID":"x","networks":[{"name":"en1"}],"network":{"name":"legacy"}}`)
	s, err := DecodeStatus(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(s.Networks) != 1 || s.Networks[0].Name != "en1" {
		t.Fatalf("expected plural field to win, got %+v", s.Networks)
	}
}

func TestDecodeStatus_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"hardwareUUID":"x","totallyUnknownField":42}`)
	if _, err := DecodeStatus(data); err != nil {
		t.Fatalf("expected unknown fields to be ignored, got error: %v", err)
	}
}

func TestBuildRequestAndParseRequestLine(t *testing.T) {
	req := BuildRequest("GET", "/status", nil, "")
	method, path, ok := ParseRequestLine(req)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if method != "GET" || path != "/status" {
		t.Errorf("got method=%s path=%s", method, path)
	}
}

func TestParseRequestLine_NeverReadsPastFirstCRLF(t *testing.T) {
	binaryBody := []byte{0x00, 0xff, 0x01, 0xfe}
	req := BuildRequest("POST", "/update", binaryBody, "application/octet-stream")
	method, path, ok := ParseRequestLine(req)
	if !ok || method != "POST" || path != "/update" {
		t.Fatalf("got method=%s path=%s ok=%v", method, path, ok)
	}
}

func TestParseContentLength_CaseInsensitiveHeader(t *testing.T) {
	req := []byte("POST /update HTTP/1.1\r\ncontent-length: 42\r\n\r\nbody")
	n, ok := ParseContentLength(req)
	if !ok || n != 42 {
		t.Fatalf("got n=%d ok=%v", n, ok)
	}
}

func TestParseContentLength_RejectsNegative(t *testing.T) {
	req := []byte("POST /update HTTP/1.1\r\nContent-Length: -5\r\n\r\n")
	if _, ok := ParseContentLength(req); ok {
		t.Fatal("expected negative content-length to be rejected")
	}
}

func TestParseContentLength_RejectsOverHardCap(t *testing.T) {
	req := []byte("POST /update HTTP/1.1\r\nContent-Length: 104857601\r\n\r\n")
	if _, ok := ParseContentLength(req); ok {
		t.Fatal("expected content-length over 100 MiB to be rejected by the hard cap")
	}
}

func TestParseContentLength_AcceptsAtHardCap(t *testing.T) {
	req := []byte("POST /update HTTP/1.1\r\nContent-Length: 104857600\r\n\r\n")
	n, ok := ParseContentLength(req)
	if !ok || n != MaxContentLength {
		t.Fatalf("got n=%d ok=%v", n, ok)
	}
}

func TestParseContentLengthUncapped_AllowsOverHardCap(t *testing.T) {
	req := []byte("POST /update HTTP/1.1\r\nContent-Length: 104857601\r\n\r\n")
	n, ok := ParseContentLengthUncapped(req)
	if !ok || n != 104857601 {
		t.Fatalf("got n=%d ok=%v", n, ok)
	}
}

func TestParseContentLength_OnlyScansHeaderBlock(t *testing.T) {
	body := "Content-Length: 999\r\n" // a header-looking line inside the body must be ignored
	req := []byte("POST /update HTTP/1.1\r\nContent-Length: 5\r\n\r\n" + body)
	n, ok := ParseContentLength(req)
	if !ok || n != 5 {
		t.Fatalf("got n=%d ok=%v, expected the real header value 5", n, ok)
	}
}

func TestExtractBody(t *testing.T) {
	req := BuildRequest("POST", "/update", []byte("hello"), "application/octet-stream")
	body, ok := ExtractBody(req)
	if !ok || string(body) != "hello" {
		t.Fatalf("got body=%q ok=%v", body, ok)
	}
}

func TestBuildResponse_ConnectionClose(t *testing.T) {
	resp := BuildResponse(200, []byte("ok"), "text/plain")
	if !strings.Contains(string(resp), "Connection: close") {
		t.Error("expected Connection: close header")
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK") {
		t.Errorf("unexpected status line: %s", resp)
	}
}
