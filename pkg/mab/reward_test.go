// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReward(t *testing.T) {
	var r Reward
	assert.Zero(t, r.Mean())
	assert.Zero(t, r.Std())
	assert.Zero(t, r.Rate())

	r.Update(2, 0.5)
	r.Update(4, 0.5)
	assert.Equal(t, 2, r.Count)
	assert.InDelta(t, 3.0, r.Mean(), 1e-9)
	assert.InDelta(t, 1.0, r.Std(), 1e-9)
	assert.InDelta(t, 6.0, r.Rate(), 1e-9)

}

func TestRewardOverflow(t *testing.T) {
	var r Reward
	r.Update(1e99, 1)
	r.Update(1e99, 1)
	assert.LessOrEqual(t, r.TotalCov2, 1.0e+100)
	assert.LessOrEqual(t, r.TotalCov, 1.0e+100)
}
