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

// diskimage creates, inspects and manipulates Serena disk images.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "diskimage",
		Short:         "Create and manipulate Serena disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newCreateCmd(),
		newFormatCmd(),
		newListCmd(),
		newMakedirCmd(),
		newPushCmd(),
		newPullCmd(),
		newDeleteCmd(),
		newGetCmd(),
		newPutCmd(),
		newDiffCmd(),
		newDescribeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "diskimage: %v\n", err)
		os.Exit(1)
	}
}
