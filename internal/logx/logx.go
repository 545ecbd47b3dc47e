// Package logx provides a small, swappable logging facade used by every
// other package in this module instead of calling the standard library's
// log package directly. Host applications can redirect log output into
// their own logging stack by calling SetLogger.
package logx

import "log"

var enabled = true

// SetVerbose toggles whether the default logger implementation emits
// anything at all. It has no effect once a custom Logger has been
// installed with SetLogger.
func SetVerbose(v bool) {
	enabled = v
}

// Logger is a set of independently overridable log functions. Any nil
// field falls back to doing nothing.
type Logger struct {
	Tracef func(format string, args ...interface{})
	Debugf func(format string, args ...interface{})
	Infof  func(format string, args ...interface{})
	Warnf  func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})
}

var logger = Logger{
	Tracef: defaultTracef,
	Debugf: defaultDebugf,
	Infof:  defaultInfof,
	Warnf:  defaultWarnf,
	Errorf: defaultErrorf,
}

// SetLogger installs a custom Logger. Fields left nil in l disable that
// level rather than falling back to the default implementation.
func SetLogger(l Logger) {
	logger = l
}

func Tracef(format string, args ...interface{}) {
	if logger.Tracef != nil {
		logger.Tracef(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if logger.Debugf != nil {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if logger.Infof != nil {
		logger.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if logger.Warnf != nil {
		logger.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if logger.Errorf != nil {
		logger.Errorf(format, args...)
	}
}

// Scoped is a Logger view that prefixes every line with a fixed tag, so a
// process running several ProbeManager/Pinger/Tracer sessions at once can
// tell their log output apart without every call site formatting the tag
// by hand. Callers get one from WithPrefix and log through it exactly
// like the package-level functions.
type Scoped struct {
	prefix string
}

// WithPrefix returns a Scoped logger that prepends prefix (typically
// "probemgr[<session id>]: ") to every format string before forwarding to
// the package-level functions, so the prefix still honors a SetLogger
// override and the SetVerbose flag.
func WithPrefix(prefix string) Scoped {
	return Scoped{prefix: prefix}
}

func (s Scoped) Tracef(format string, args ...interface{}) { Tracef(s.prefix+format, args...) }
func (s Scoped) Debugf(format string, args ...interface{}) { Debugf(s.prefix+format, args...) }
func (s Scoped) Infof(format string, args ...interface{})  { Infof(s.prefix+format, args...) }
func (s Scoped) Warnf(format string, args ...interface{})  { Warnf(s.prefix+format, args...) }
func (s Scoped) Errorf(format string, args ...interface{}) { Errorf(s.prefix+format, args...) }

var (
	defaultTracef = func(format string, args ...interface{}) {
		if enabled {
			log.Printf("[TRACE] "+format, args...)
		}
	}
	defaultDebugf = func(format string, args ...interface{}) {
		if enabled {
			log.Printf("[DEBUG] "+format, args...)
		}
	}
	defaultInfof = func(format string, args ...interface{}) {
		if enabled {
			log.Printf("[INFO] "+format, args...)
		}
	}
	defaultWarnf = func(format string, args ...interface{}) {
		if enabled {
			log.Printf("[WARN] "+format, args...)
		}
	}
	defaultErrorf = func(format string, args ...interface{}) {
		if enabled {
			log.Printf("[ERROR] "+format, args...)
		}
	}
)
