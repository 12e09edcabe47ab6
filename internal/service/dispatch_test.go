package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
	"wms-proxy-go/internal/xlink"
)

const capabilities = `<?xml version="1.0" encoding="UTF-8"?>
<WMT_MS_Capabilities version="1.1.1" xmlns:xlink="http://www.w3.org/1999/xlink">
<Service><Name>OGC:WMS</Name><OnlineResource xlink:type="simple" xlink:href="http://geo.example/wms?SERVICE=WMS"/></Service>
</WMT_MS_Capabilities>`

// trackingBody records whether Close was called.
type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func newTestDispatcher(t *testing.T, maxXMLBytes int64, m *metrics.Metrics) *Dispatcher {
	t.Helper()
	up, _ := url.Parse("http://geo.example/wms")
	px, _ := url.Parse("http://proxy.example")
	cfg := &config.Config{Upstream: config.UpstreamConfig{MaxXMLBytes: maxXMLBytes}}
	return NewDispatcher(xlink.New(up, px), cfg, discardLogger(), m)
}

func TestIsXML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/xml", true},
		{"application/xml; charset=UTF-8", true},
		{"application/vnd.ogc.wms_xml", true},
		{"application/vnd.ogc.se_xml", true},
		{"image/png", false},
		{"application/json", false},
		{"TEXT/XML", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := IsXML(tt.contentType); got != tt.want {
				t.Errorf("IsXML(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestDispatch_RewritesXML(t *testing.T) {
	m := metrics.New()
	d := newTestDispatcher(t, 1<<20, m)
	body := &trackingBody{Reader: strings.NewReader(capabilities)}

	reply, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusOK,
		ContentType: "application/vnd.ogc.wms_xml",
		Body:        body,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if !reply.Buffered() {
		t.Fatal("XML reply should be buffered")
	}
	want := strings.Replace(capabilities, "http://geo.example/wms", "http://proxy.example/wms", 1)
	if string(reply.Data) != want {
		t.Errorf("Data = %q, want %q", reply.Data, want)
	}
	if reply.ContentType != "application/vnd.ogc.wms_xml" {
		t.Errorf("ContentType = %q, want original", reply.ContentType)
	}
	if !body.closed {
		t.Error("upstream body not closed after buffering")
	}
	if got := testutil.ToFloat64(m.XMLRewritesTotal.WithLabelValues(metrics.RewriteOK)); got != 1 {
		t.Errorf("rewrites ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LinksRewritten); got != 1 {
		t.Errorf("links rewritten = %v, want 1", got)
	}
}

func TestDispatch_ExceptionReportKeepsStatus(t *testing.T) {
	d := newTestDispatcher(t, 1<<20, nil)
	exc := `<?xml version="1.0"?><ServiceExceptionReport><ServiceException code="LayerNotDefined"/></ServiceExceptionReport>`

	reply, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusBadRequest,
		ContentType: "application/vnd.ogc.se_xml",
		Body:        io.NopCloser(strings.NewReader(exc)),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if reply.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", reply.StatusCode, http.StatusBadRequest)
	}
	if string(reply.Data) != exc {
		t.Errorf("Data = %q, want %q", reply.Data, exc)
	}
}

func TestDispatch_StreamsNonXML(t *testing.T) {
	d := newTestDispatcher(t, 16, nil)
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 100)
	body := &trackingBody{Reader: bytes.NewReader(payload)}

	reply, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusOK,
		ContentType: "image/png",
		Body:        body,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if reply.Buffered() {
		t.Fatal("non-XML reply should stream")
	}
	if body.closed {
		t.Error("streamed body closed by dispatcher; the caller owns it")
	}
	got, err := io.ReadAll(reply.Stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("streamed bytes differ from upstream bytes")
	}
}

func TestDispatch_MalformedXML(t *testing.T) {
	m := metrics.New()
	d := newTestDispatcher(t, 1<<20, m)
	body := &trackingBody{Reader: strings.NewReader(`<a><b></a>`)}

	_, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusOK,
		ContentType: "text/xml",
		Body:        body,
	})
	if !errors.Is(err, model.ErrMalformedXML) {
		t.Fatalf("Dispatch() error = %v, want ErrMalformedXML", err)
	}
	if !body.closed {
		t.Error("upstream body not closed on rewrite failure")
	}
	if got := testutil.ToFloat64(m.XMLRewritesTotal.WithLabelValues(metrics.RewriteMalformed)); got != 1 {
		t.Errorf("rewrites malformed = %v, want 1", got)
	}
}

func TestDispatch_XMLSizeLimit(t *testing.T) {
	doc := `<r xmlns:xlink="http://www.w3.org/1999/xlink"/>`

	t.Run("over limit", func(t *testing.T) {
		m := metrics.New()
		d := newTestDispatcher(t, int64(len(doc)-1), m)
		_, err := d.Dispatch(&model.UpstreamResponse{
			StatusCode:  http.StatusOK,
			ContentType: "text/xml",
			Body:        io.NopCloser(strings.NewReader(doc)),
		})
		if !errors.Is(err, model.ErrXMLTooLarge) {
			t.Fatalf("Dispatch() error = %v, want ErrXMLTooLarge", err)
		}
		if got := testutil.ToFloat64(m.XMLRewritesTotal.WithLabelValues(metrics.RewriteTooLarge)); got != 1 {
			t.Errorf("rewrites too_large = %v, want 1", got)
		}
	})

	t.Run("at limit", func(t *testing.T) {
		d := newTestDispatcher(t, int64(len(doc)), nil)
		_, err := d.Dispatch(&model.UpstreamResponse{
			StatusCode:  http.StatusOK,
			ContentType: "text/xml",
			Body:        io.NopCloser(strings.NewReader(doc)),
		})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	})
}

// stallingBody returns a prefix, then blocks until Close is called.
type stallingBody struct {
	prefix *strings.Reader
	once   sync.Once
	closed chan struct{}
}

func newStallingBody(prefix string) *stallingBody {
	return &stallingBody{prefix: strings.NewReader(prefix), closed: make(chan struct{})}
}

func (b *stallingBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *stallingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestDispatch_XMLReadDeadline(t *testing.T) {
	d := newTestDispatcher(t, 1<<20, nil)
	d.readTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusOK,
		ContentType: "text/xml",
		Body:        newStallingBody(`<WMT_MS_Capabilities>`),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dispatch() error = %v, want DeadlineExceeded", err)
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Errorf("Dispatch() error = %v, want ErrUpstreamUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dispatch() took %v, want bounded by the read deadline", elapsed)
	}
}

func TestDispatch_StreamIgnoresReadDeadline(t *testing.T) {
	d := newTestDispatcher(t, 1<<20, nil)
	d.readTimeout = 10 * time.Millisecond
	body := &trackingBody{Reader: strings.NewReader("png")}

	reply, err := d.Dispatch(&model.UpstreamResponse{
		StatusCode:  http.StatusOK,
		ContentType: "image/png",
		Body:        body,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if body.closed {
		t.Error("streamed body closed by the XML read deadline")
	}
	if got, _ := io.ReadAll(reply.Stream); string(got) != "png" {
		t.Errorf("stream = %q, want %q", got, "png")
	}
}

// chunkRecorder records write sizes and flushes.
type chunkRecorder struct {
	bytes.Buffer
	writes  []int
	flushes int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.writes = append(c.writes, len(p))
	return c.Buffer.Write(p)
}

func (c *chunkRecorder) Flush() { c.flushes++ }

func TestCopyChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 5000)
	w := &chunkRecorder{}

	n, err := CopyChunks(w, bytes.NewReader(payload), 2048)
	if err != nil {
		t.Fatalf("CopyChunks() error = %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("CopyChunks() = %d, want %d", n, len(payload))
	}
	wantWrites := []int{2048, 2048, 904}
	if len(w.writes) != len(wantWrites) {
		t.Fatalf("writes = %v, want %v", w.writes, wantWrites)
	}
	for i := range wantWrites {
		if w.writes[i] != wantWrites[i] {
			t.Errorf("write %d = %d bytes, want %d", i, w.writes[i], wantWrites[i])
		}
	}
	if w.flushes != len(wantWrites) {
		t.Errorf("flushes = %d, want %d", w.flushes, len(wantWrites))
	}
	if !bytes.Equal(w.Bytes(), payload) {
		t.Error("copied bytes differ")
	}
}

func TestCopyChunks_DefaultSize(t *testing.T) {
	w := &chunkRecorder{}
	if _, err := CopyChunks(w, bytes.NewReader(make([]byte, 4096)), 0); err != nil {
		t.Fatalf("CopyChunks() error = %v", err)
	}
	if len(w.writes) != 2 {
		t.Errorf("writes = %v, want two 2048-byte chunks", w.writes)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestCopyChunks_WriteError(t *testing.T) {
	_, err := CopyChunks(failingWriter{}, strings.NewReader("data"), 2)
	if err == nil || err.Error() != "client gone" {
		t.Errorf("CopyChunks() error = %v, want client gone", err)
	}
}

func TestCopyChunks_HTTPRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := CopyChunks(rec, strings.NewReader("hello"), 2); err != nil {
		t.Fatalf("CopyChunks() error = %v", err)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
	if !rec.Flushed {
		t.Error("recorder not flushed")
	}
}
