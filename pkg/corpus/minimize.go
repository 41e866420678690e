// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"github.com/Ollrogge/hoedur/pkg/signal"
)

// Minimized returns a subset of seeds that preserves the total corpus signal.
// Seeds are never removed from the corpus itself.
func (corpus *Corpus) Minimized() []*Seed {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()

	inputs := make([]signal.Context, 0, len(corpus.seeds))
	for _, st := range corpus.seeds {
		inputs = append(inputs, signal.Context{
			Signal:  st.seed.Signal,
			Context: st.seed,
		})
	}
	var res []*Seed
	for _, ctx := range signal.Minimize(inputs) {
		res = append(res, ctx.(*Seed))
	}
	return res
}
