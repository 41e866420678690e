// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mab keeps running reward statistics used by the adaptive power schedule.
package mab

import "math"

// Reward accumulates the coverage yielded by a sequence of executions together with their cost.
type Reward struct {
	Count      int
	TotalCov   float64 // sum(cov)
	TotalTime  float64 // sum(time)
	TotalCov2  float64 // sum(cov * cov). Used to compute std
	TotalTime2 float64 // sum(time * time). Used to compute std
}

func (reward *Reward) Update(cov float64, time float64) {
	const Max = 1.0e+100 // Prevent overflow

	reward.Count++
	reward.TotalCov += cov
	reward.TotalCov2 += cov * cov
	reward.TotalTime += time
	reward.TotalTime2 += time * time
	if reward.TotalCov > Max {
		reward.TotalCov = Max
	}
	if reward.TotalCov2 > Max {
		reward.TotalCov2 = Max
	}
	if reward.TotalTime > Max {
		reward.TotalTime = Max
	}
	if reward.TotalTime2 > Max {
		reward.TotalTime2 = Max
	}
}

// Mean returns the average coverage per execution.
func (reward *Reward) Mean() float64 {
	if reward.Count == 0 {
		return 0
	}
	return reward.TotalCov / float64(reward.Count)
}

// Std returns the standard deviation of coverage per execution.
func (reward *Reward) Std() float64 {
	if reward.Count < 2 {
		return 0
	}
	n := float64(reward.Count)
	mean := reward.TotalCov / n
	v := reward.TotalCov2/n - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Rate returns coverage per second of execution time.
func (reward *Reward) Rate() float64 {
	if reward.TotalTime <= 0 {
		return 0
	}
	return reward.TotalCov / reward.TotalTime
}
