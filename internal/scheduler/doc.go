// Package scheduler 为每个代理运行独立的决策循环，并在停机时排空在途交易。
package scheduler
