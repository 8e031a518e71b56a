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

// Package platform supplies the lowest-level machine services the kernel
// core is built on: the quantum clock, alignment and page-size constants,
// and the fatal error handler.
package platform

const (
	// HeapAlignment is the alignment of every block handed out by the
	// physical allocator. A fixed power of two.
	HeapAlignment = 8

	// PageSize is the granularity used for process argument areas and
	// default stack sizes.
	PageSize = 4096
)

// RoundUpToPowerOf2 rounds n up to the next multiple of align, which must be
// a power of two.
func RoundUpToPowerOf2(n int, align int) int {
	return (n + align - 1) &^ (align - 1)
}
