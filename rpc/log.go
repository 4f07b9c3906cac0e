// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"github.com/grailbio/base/log"
	"golang.org/x/time/rate"
)

// RateLimitingOutputter is a log.Outputter that enforces a rate
// limit on outputted messages. Messages that are logged beyond
// the allowed rate are dropped.
type rateLimitingOutputter struct {
	*rate.Limiter
	log.Outputter
}

// Output implements log.Outputter.
func (r *rateLimitingOutputter) Output(calldepth int, level log.Level, s string) error {
	if !r.Limiter.Allow() {
		return nil
	}
	return r.Outputter.Output(calldepth+1, level, s)
}

// RateLimitOutputter returns a log.Outputter that drops messages beyond
// the allowed rate. Driver programs install it over their process
// outputter so that a wedged peer, whose every call fails the same way,
// cannot flood the log.
func RateLimitOutputter(outputter log.Outputter, limit rate.Limit, burst int) log.Outputter {
	return &rateLimitingOutputter{rate.NewLimiter(limit, burst), outputter}
}
