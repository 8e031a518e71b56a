// Copyright 2024 The Serena Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import "fmt"

// FatalHandler is invoked for conditions the kernel cannot recover from:
// double frees, lock ownership violations, overlapping block mappings. The
// handler must not return.
type FatalHandler func(format string, args ...interface{})

func defaultFatalHandler(format string, args ...interface{}) {
	panic(fmt.Sprintf("fatal: "+format, args...))
}

var fatalHandler FatalHandler = defaultFatalHandler

// SetFatalHandler replaces the fatal error handler. Tests install a handler
// that records the error and unwinds via panic/recover. Passing nil
// restores the default handler.
func SetFatalHandler(h FatalHandler) {
	if h == nil {
		h = defaultFatalHandler
	}
	fatalHandler = h
}

// Fatalf reports an unrecoverable kernel error. Does not return.
func Fatalf(format string, args ...interface{}) {
	fatalHandler(format, args...)
	panic("fatal handler returned")
}
