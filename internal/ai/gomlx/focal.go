package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
)

// oneMinus returns 1-x.
func oneMinus(x *Node) *Node {
	return AddScalar(Neg(x), 1)
}

// FocalLoss returns the binary focal loss for each example, computed from the logits of the positive class:
//
//	FL = -alpha_t * (1-p_t)^gamma * log(p_t)
//
// where p_t is the probability the model assigns to the true class, and alpha_t is alpha for positive
// labels and 1-alpha for negative ones. With gamma=0 it is a weighted binary cross-entropy.
//
// The output has the same shape as logits and labels.
func FocalLoss(logits, labels *Node, alpha, gamma float64) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	labels = ConvertDType(labels, dtype)

	// log(sigmoid(z)) = min(z, 0) - log(1+exp(-|z|)), and log(1-sigmoid(z)) = log(sigmoid(-z)).
	logOnePlusExp := Log(AddScalar(Exp(Neg(Abs(logits))), 1))
	zeros := ZerosLike(logits)
	logP := Sub(Min(logits, zeros), logOnePlusExp)
	logNotP := Sub(Min(Neg(logits), zeros), logOnePlusExp)

	negLabels := oneMinus(labels)
	logPT := Add(Mul(labels, logP), Mul(negLabels, logNotP))
	alphaT := Add(MulScalar(labels, alpha), MulScalar(negLabels, 1-alpha))
	loss := Neg(Mul(alphaT, logPT))
	if gamma != 0 {
		pT := Exp(logPT)
		loss = Mul(Pow(oneMinus(pT), Scalar(g, dtype, gamma)), loss)
	}
	return loss
}
