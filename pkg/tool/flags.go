// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"fmt"
	"strings"
)

// ListFlag collects comma-separated values; the flag may be repeated.
type ListFlag []string

func (list *ListFlag) String() string {
	return fmt.Sprint(*list)
}

func (list *ListFlag) Set(value string) error {
	for _, elem := range strings.Split(value, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			*list = append(*list, elem)
		}
	}
	return nil
}
