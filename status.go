// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deployr

import (
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/grailbio/base/data"
	"golang.org/x/sync/errgroup"
)

var startTime = time.Now()

var statusTemplate = template.Must(template.New("status").
	Funcs(template.FuncMap{
		"human": func(v interface{}) string {
			switch v := v.(type) {
			case int:
				return data.Size(v).String()
			case int64:
				return data.Size(v).String()
			case uint64:
				return data.Size(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
	}).
	Parse(`{{.instance}}
	state:	{{.state}}
	uptime:	{{.uptime}}
	runners:
{{range .runners}}		{{.ID}}:	{{.FunctionName}}	{{.InstanceID}}
{{end}}	channels:
{{range .channels}}		{{.Name}}:	{{.Role}}	{{.Pending}}/{{.Capacity}} tokens	{{human .Used}}/{{human .Size}}
{{end}}`))

// StatusHandler returns an HTTP handler that displays this instance's
// deployment status: its lifecycle state, the runner-instance assignment
// (on the coordinator), and the utilization of every established channel.
func (d *D) StatusHandler() http.Handler {
	return &statusHandler{d}
}

type statusHandler struct{ d *D }

type channelStatus struct {
	Name     string
	Role     ChannelRole
	Pending  int
	Capacity int
	Used     int
	Size     int
	err      error
}

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	s.d.mu.Lock()
	state := s.d.state
	runners := append([]Runner(nil), s.d.runners...)
	channels := make([]*Channel, 0, len(s.d.channels))
	for _, c := range s.d.channels {
		channels = append(channels, c)
	}
	s.d.mu.Unlock()
	sort.Slice(runners, func(i, j int) bool { return runners[i].ID < runners[j].ID })
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name() < channels[j].Name() })

	// Producer-side channel stats require a round trip to the consumer's
	// coordination cells; gather them concurrently.
	stats := make([]channelStatus, len(channels))
	g, ctx := errgroup.WithContext(r.Context())
	for i, c := range channels {
		i, c := i, c
		stats[i] = channelStatus{
			Name:     c.Name(),
			Role:     c.Role(),
			Capacity: c.Capacity(),
			Size:     c.BufferSize(),
		}
		if c.Role() == RoleNone {
			continue
		}
		g.Go(func() error {
			stats[i].Pending, stats[i].Used, stats[i].err = c.Stats(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		http.Error(w, fmt.Sprint(err), 500)
		return
	}
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	for i := range stats {
		if stats[i].err != nil {
			fmt.Fprintln(&tw, stats[i].Name, ":", stats[i].err)
		}
	}
	err := statusTemplate.Execute(&tw, map[string]interface{}{
		"instance": s.d.transport.CurrentInstanceID(),
		"state":    state,
		"uptime":   time.Since(startTime),
		"runners":  runners,
		"channels": stats,
	})
	if err != nil {
		panic(err)
	}
}
