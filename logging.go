// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import "go.uber.org/zap"

// logError renders an error-log line for a per-request failure: the
// formatted request alongside the error class and message, at error
// severity. Logging itself must never fail a request, so any
// panic inside request formatting is already recovered by
// Config.formatRequest.
func (c *Conn) logError(req any, class string, err error) {
	if !c.cfg.LogErrors || c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Error("request failed",
		zap.String("service", c.cfg.Name),
		zap.String("class", class),
		zap.String("request", c.cfg.formatRequest(req)),
		zap.Error(err),
	)
}

// logFatal reports a connection-level condition at error severity: a
// reply the controller dropped after accepting it, or the cause of a
// connection close. Unlike logError it does not depend on LogErrors.
func (c *Conn) logFatal(msg string, err error) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Error(msg,
		zap.String("service", c.cfg.Name),
		zap.Error(err),
	)
}
