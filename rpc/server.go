// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// methodErrorCode is the distinguished HTTP status code used to transmit
// an application-level method error, gob-encoded in the response body, to
// the client. It distinguishes method errors from transport-level HTTP
// failures.
const methodErrorCode = 590

var (
	typeOfError      = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext    = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfReader     = reflect.TypeOf((*io.Reader)(nil)).Elem()
	typeOfReadCloser = reflect.TypeOf((*io.ReadCloser)(nil)).Elem()
)

// A method is a single registered method of a service.
type method struct {
	recv        reflect.Value
	fn          reflect.Value
	arg         reflect.Type
	reply       reflect.Type
	streamArg   bool
	streamReply bool
}

// A Server dispatches HTTP requests to the methods of registered
// services. Methods follow the schema
//
//	func (s *Service) Name(ctx context.Context, arg argtype, reply *replytype) error
//
// and are addressed as "Service.Name" under the server's HTTP mux.
// Methods whose argument is an io.Reader receive the request body as a
// stream; methods whose reply is *io.ReadCloser stream their reply body
// directly to the client. All other arguments and replies are
// gob-encoded.
type Server struct {
	mu      sync.Mutex
	methods map[string]*method
}

// NewServer creates a new RPC server. Services are made available by
// calling Register; the server is attached to an HTTP server by virtue of
// implementing http.Handler.
func NewServer() *Server {
	return &Server{methods: make(map[string]*method)}
}

// Register makes the exported, conforming methods of iface available
// under the provided service name. Register returns an error if the
// service name is already registered or if no method of iface conforms to
// the schema documented on Server.
func (s *Server) Register(name string, iface interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recv := reflect.ValueOf(iface)
	typ := recv.Type()
	var registered int
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.PkgPath != "" {
			continue
		}
		mt := m.Type
		// func(recv, ctx, arg, *reply) error
		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}
		if mt.In(1) != typeOfContext || mt.Out(0) != typeOfError {
			continue
		}
		if mt.In(3).Kind() != reflect.Ptr {
			continue
		}
		key := name + "." + m.Name
		if _, ok := s.methods[key]; ok {
			return fmt.Errorf("rpc: method %s already registered", key)
		}
		s.methods[key] = &method{
			recv:        recv,
			fn:          recv.Method(i),
			arg:         mt.In(2),
			reply:       mt.In(3).Elem(),
			streamArg:   mt.In(2) == typeOfReader,
			streamReply: mt.In(3) == reflect.PtrTo(typeOfReadCloser),
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("rpc: service %s has no RPC methods", name)
	}
	return nil
}

func (s *Server) lookup(serviceMethod string) (*method, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[serviceMethod]
	return m, ok
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
		return
	}
	serviceMethod := strings.TrimPrefix(r.URL.Path, "/")
	m, ok := s.lookup(serviceMethod)
	if !ok {
		http.Error(w, fmt.Sprintf("method %s not found", serviceMethod), http.StatusNotFound)
		return
	}
	done := serverstats.Start("", serviceMethod)
	var requestBytes, replyBytes int64 = -1, -1
	err := s.serve(w, r, serviceMethod, m, &requestBytes, &replyBytes)
	done(requestBytes, replyBytes, err)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, serviceMethod string, m *method, requestBytes, replyBytes *int64) error {
	argv := reflect.New(m.arg)
	if m.streamArg {
		body := &sizeTrackingReader{Reader: r.Body}
		argv.Elem().Set(reflect.ValueOf(io.Reader(body)))
		defer func() { *requestBytes = int64(body.Len()) }()
	} else {
		body := &sizeTrackingReader{Reader: r.Body}
		if err := gob.NewDecoder(body).Decode(argv.Interface()); err != nil {
			// A bad argument is the caller's mistake, not a temporary
			// server condition; it must not be retried.
			e := errors.E(errors.Invalid, fmt.Sprintf("decoding argument for %s", serviceMethod), err)
			sendError(w, e)
			return e
		}
		*requestBytes = int64(body.Len())
	}
	replyv := reflect.New(m.reply)
	rvs := m.fn.Call([]reflect.Value{reflect.ValueOf(r.Context()), argv.Elem(), replyv})
	if errv := rvs[0]; !errv.IsNil() {
		err := errv.Interface().(error)
		sendError(w, methodError(err))
		return err
	}
	if m.streamReply {
		rc, ok := replyv.Elem().Interface().(io.ReadCloser)
		if !ok || rc == nil {
			e := errors.E(errors.Invalid, fmt.Sprintf("%s: no reply stream", serviceMethod))
			sendError(w, e)
			return e
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(200)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		n, err := io.Copy(w, rc)
		*replyBytes = n
		if err != nil {
			// The header has been committed; the only way to signal
			// failure to the client is to abort the connection so that
			// its read fails.
			log.Error.Printf("rpc: %s: streaming reply: %v", serviceMethod, err)
			panic(http.ErrAbortHandler)
		}
		return nil
	}
	b := new(bytes.Buffer)
	if err := gob.NewEncoder(b).Encode(replyv.Interface()); err != nil {
		e := errors.E(errors.Invalid, fmt.Sprintf("encoding reply for %s", serviceMethod), err)
		sendError(w, e)
		return e
	}
	w.Header().Set("Content-Type", gobContentType)
	w.WriteHeader(200)
	n, err := io.Copy(w, b)
	*replyBytes = n
	return err
}

// methodError prepares a method-returned error for transmission. Errors
// are marked Remote so that the caller can distinguish a failure of the
// remote method from a failure to reach it. Network-kinded errors are an
// exception: relayed as-is they would masquerade as client-server
// connectivity failures and be retried, so their kind is cleared instead.
func methodError(err error) *errors.Error {
	if e, ok := err.(*errors.Error); ok && e.Kind == errors.Net {
		cleared := *e
		cleared.Kind = errors.Other
		return &cleared
	}
	return errors.E(errors.Remote, err).(*errors.Error)
}

func sendError(w http.ResponseWriter, err error) {
	e, ok := err.(*errors.Error)
	if !ok {
		e = errors.Recover(err)
	}
	w.Header().Set("Content-Type", gobContentType)
	w.WriteHeader(methodErrorCode)
	if err := gob.NewEncoder(w).Encode(e); err != nil {
		log.Error.Printf("rpc: encoding error reply: %v", err)
	}
}
