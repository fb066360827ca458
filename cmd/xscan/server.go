// Copyright 2018 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/maruel/go-xscan/frame"
	"github.com/maruel/go-xscan/gray14"
	"github.com/maruel/go-xscan/xscan"
	"github.com/maruel/interrupt"
	"golang.org/x/net/websocket"
)

//go:embed static
var static embed.FS

// metadata is sent along each image.
type metadata struct {
	ID        uint16
	Seq       int
	Lost      int
	Timestamp time.Time
	Min       uint16
	Max       uint16
	Stats     xscan.Stats
}

// WebServer keeps the most recent frames and streams them to browsers.
type WebServer struct {
	cond      sync.Cond
	stats     xscan.Stats
	images    [8]*frame.Frame // Frames are large, only keep a few.
	lastIndex int             // Index of the most recent image.
	added     int             // Images added so far.
}

// AddImg takes ownership of f.
func (s *WebServer) AddImg(f *frame.Frame) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.lastIndex = (s.lastIndex + 1) % len(s.images)
	s.images[s.lastIndex] = f
	s.added++
	s.cond.Broadcast()
}

// SetStats updates the counters sent as metadata.
func (s *WebServer) SetStats(st xscan.Stats) {
	s.cond.L.Lock()
	s.stats = st
	s.cond.L.Unlock()
}

func newWebServer() *WebServer {
	return &WebServer{
		cond:      *sync.NewCond(&sync.Mutex{}),
		lastIndex: -1,
	}
}

// StartWebServer serves the live view on port.
func StartWebServer(port int) *WebServer {
	w := newWebServer()
	fmt.Printf("Listening on %d\n", port)
	go http.ListenAndServe(fmt.Sprintf(":%d", port), loggingHandler{w.mux()})
	go func() {
		<-interrupt.Channel
		w.cond.Broadcast()
	}()
	return w
}

func (s *WebServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.root)
	mux.HandleFunc("/favicon.ico", s.still)
	mux.HandleFunc("/still.png", s.still)
	mux.HandleFunc("/still16.png", s.still16)
	mux.Handle("/stream", websocket.Handler(s.stream))
	return mux
}

func (s *WebServer) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	b, err := static.ReadFile("static/root.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(b)
}

// last returns the most recent frame, if any.
func (s *WebServer) last() (*frame.Frame, xscan.Stats) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.lastIndex < 0 {
		return nil, s.stats
	}
	return s.images[s.lastIndex], s.stats
}

func (s *WebServer) still(w http.ResponseWriter, r *http.Request) {
	f, _ := s.last()
	if f == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if err := png.Encode(w, gray14.AGCLinear(f)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *WebServer) still16(w http.ResponseWriter, r *http.Request) {
	f, _ := s.last()
	if f == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if err := png.Encode(w, f); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// stream sends the most recent image as WebSocket frames. Images added while
// the previous one was being sent are skipped.
func (s *WebServer) stream(w *websocket.Conn) {
	log.Printf("websocket from %s", w.Request().RemoteAddr)
	defer w.Close()
	buf := &bytes.Buffer{}
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	sent := s.added
	for !interrupt.IsSet() {
		if sent == s.added {
			s.cond.Wait()
			continue
		}
		sent = s.added
		img := s.images[s.lastIndex]
		m := metadata{ID: img.ID, Seq: img.Seq, Lost: img.Lost, Timestamp: img.Timestamp, Stats: s.stats}
		s.cond.L.Unlock()
		// Do the actual I/O without the lock.
		err := writeImage(w, buf, img, &m)
		s.cond.L.Lock()
		// To break out of the loop, the lock must be held.
		if err != nil {
			log.Printf("websocket err: %s", err)
			break
		}
	}
}

// writeImage sends frame I for Image then frame M for Metadata.
func writeImage(w *websocket.Conn, buf *bytes.Buffer, img *frame.Frame, m *metadata) error {
	defer buf.Reset()
	m.Min = gray14.Min(img)
	m.Max = gray14.Max(img)
	buf.WriteString("I")
	encoder := base64.NewEncoder(base64.StdEncoding, buf)
	if err := png.Encode(encoder, gray14.AGCLinear(img)); err != nil {
		return err
	}
	encoder.Close()
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	buf.WriteString("M")
	if err := json.NewEncoder(buf).Encode(m); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Private details.

type loggingHandler struct {
	handler http.Handler
}

type loggingResponseWriter struct {
	http.ResponseWriter
	length int
	status int
}

func (l *loggingResponseWriter) Write(data []byte) (size int, err error) {
	size, err = l.ResponseWriter.Write(data)
	l.length += size
	return
}

func (l *loggingResponseWriter) WriteHeader(status int) {
	l.ResponseWriter.WriteHeader(status)
	l.status = status
}

// Hijack is needed for websocket.
func (l *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h := l.ResponseWriter.(http.Hijacker)
	return h.Hijack()
}

// ServeHTTP logs each HTTP request if -v is passed.
func (l loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lrw := &loggingResponseWriter{ResponseWriter: w}
	l.handler.ServeHTTP(lrw, r)
	log.Printf("%s - %3d %6db %4s %s\n", r.RemoteAddr, lrw.status, lrw.length, r.Method, r.RequestURI)
}
