// Package clusterfree computes cluster-free differential expression statistics
// for single-cell count matrices.
//
// For every neighborhood of cells the counts are collapsed into a per-sample
// pseudo-bulk matrix (mean expression of the member cells of each sample).
// Two scores are derived from it:
//
//   - a per-gene z-score of the target samples against the reference samples
//     (robust median/MAD or mean/standard deviation), see ZScoreMatrix;
//   - an expression shift: the median between-condition distance of sample
//     pseudo-bulks divided by the median within-condition distance, see
//     ExpressionShifts.
//
// NaN is used as an explicit "insufficient data" value and is never a zero
// effect. Invalid input aborts the whole run with an error wrapping
// ErrFatalInput.
package clusterfree
