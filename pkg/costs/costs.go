// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package costs implements the content and style costs of neural style transfer, measured on
// activations of the VGG19 feature extractor.
//
// All functions build graph computations: activations are shaped [1, height, width, channels]
// (batch size of one), and costs are scalars of the same dtype. As usual for graph building functions,
// they panic on invalid shapes.
package costs

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/pkg/errors"
)

// checkActivation panics if the activation is not shaped [1, height, width, channels] and
// returns its height, width and channels.
func checkActivation(name string, a *Node) (height, width, channels int) {
	if a.Rank() != 4 || a.Shape().Dimensions[0] != 1 {
		Panicf("%s must be shaped [1, height, width, channels], got %s", name, a.Shape())
	}
	if !a.DType().IsFloat() {
		Panicf("%s must be a float, got %s", name, a.Shape())
	}
	dims := a.Shape().Dimensions
	return dims[1], dims[2], dims[3]
}

// ContentCost measures how far the generated activations aG are from the content activations aC:
//
//	Σ(aC - aG)² / (4·height·width·channels)
//
// aC and aG must have the same shape.
func ContentCost(aC, aG *Node) *Node {
	height, width, channels := checkActivation("content activation", aC)
	if !aC.Shape().Equal(aG.Shape()) {
		Panicf("content (%s) and generated (%s) activations must have the same shape", aC.Shape(), aG.Shape())
	}
	sum := ReduceAllSum(Square(Sub(aC, aG)))
	return DivScalar(sum, 4.0*float64(height*width*channels))
}

// UnrollActivations reshapes an activation from [1, height, width, channels] to [channels, height·width].
func UnrollActivations(a *Node) *Node {
	height, width, channels := checkActivation("activation", a)
	return Transpose(Reshape(a, height*width, channels), 0, 1)
}

// GramMatrix returns a·aᵀ for a shaped [channels, n]. The result is [channels, channels], and holds the
// (unnormalized) correlations between every pair of channels.
func GramMatrix(a *Node) *Node {
	if a.Rank() != 2 {
		Panicf("GramMatrix requires a rank-2 input shaped [channels, n], got %s", a.Shape())
	}
	return Einsum("cn,dn->cd", a, a)
}

// LayerStyleCost measures the distance between the style of the style activations aS and the
// generated activations aG, of one layer:
//
//	Σ(Gram(aS) - Gram(aG))² / (2·channels·height·width)²
//
// aS and aG must have the same shape.
func LayerStyleCost(aS, aG *Node) *Node {
	height, width, channels := checkActivation("style activation", aS)
	if !aS.Shape().Equal(aG.Shape()) {
		Panicf("style (%s) and generated (%s) activations must have the same shape", aS.Shape(), aG.Shape())
	}
	gS := GramMatrix(UnrollActivations(aS))
	gG := GramMatrix(UnrollActivations(aG))
	normalization := 2.0 * float64(channels) * float64(height*width)
	return DivScalar(ReduceAllSum(Square(Sub(gS, gG))), normalization*normalization)
}

// StyleLayer is a layer used to measure style and its weight in the total style cost.
type StyleLayer struct {
	Layer  vgg19.Layer
	Weight float64
}

func (sl StyleLayer) String() string {
	return fmt.Sprintf("%s:%g", sl.Layer, sl.Weight)
}

// DefaultStyleLayers returns the first layer of each of the five VGG19 blocks, each with weight 0.2.
func DefaultStyleLayers() []StyleLayer {
	return []StyleLayer{
		{Layer: vgg19.Conv1_1, Weight: 0.2},
		{Layer: vgg19.Conv2_1, Weight: 0.2},
		{Layer: vgg19.Conv3_1, Weight: 0.2},
		{Layer: vgg19.Conv4_1, Weight: 0.2},
		{Layer: vgg19.Conv5_1, Weight: 0.2},
	}
}

// DefaultContentLayer is the layer used to measure the content cost.
const DefaultContentLayer = vgg19.Conv4_2

// StyleLayersList returns the layers of the style layers, in order.
func StyleLayersList(styleLayers []StyleLayer) []vgg19.Layer {
	layers := make([]vgg19.Layer, len(styleLayers))
	for ii, sl := range styleLayers {
		layers[ii] = sl.Layer
	}
	return layers
}

// StyleCost is the weighted sum of LayerStyleCost over the style layers. Activations for every one of
// the styleLayers must be present in styleActs and generatedActs.
func StyleCost(styleActs, generatedActs vgg19.Activations, styleLayers []StyleLayer) *Node {
	if len(styleLayers) == 0 {
		Panicf("StyleCost requires at least one style layer")
	}
	var cost *Node
	for _, sl := range styleLayers {
		aS, aG := styleActs[sl.Layer], generatedActs[sl.Layer]
		if aS == nil || aG == nil {
			Panicf("StyleCost: missing activations for layer %s", sl.Layer)
		}
		layerCost := MulScalar(LayerStyleCost(aS, aG), sl.Weight)
		if cost == nil {
			cost = layerCost
		} else {
			cost = Add(cost, layerCost)
		}
	}
	return cost
}

// TotalCost returns alpha·jContent + beta·jStyle.
func TotalCost(jContent, jStyle *Node, alpha, beta float64) *Node {
	return Add(MulScalar(jContent, alpha), MulScalar(jStyle, beta))
}

// unweightedEpsilon is the smallest share of the total style weight left for layers without weight.
const unweightedEpsilon = 1e-9

// ParseStyleLayers parses a comma-separated list of "<layer>:<weight>" (e.g. "conv1_1:0.2,conv2_1:0.2").
// Layers given without a weight share equally what is left of 1 after the explicit weights: so
// "conv1_1,conv2_1,conv3_1,conv4_1,conv5_1" is the same as DefaultStyleLayers, and
// "conv1_1:0.5,conv2_1,conv3_1" gives 0.25 to conv2_1 and conv3_1.
// It returns an error if unweighted layers are given but the explicit weights already sum to 1 or more.
// Layers can't be repeated.
func ParseStyleLayers(desc string) ([]StyleLayer, error) {
	var styleLayers []StyleLayer
	var numUnweighted int
	var explicitSum float64
	for _, part := range strings.Split(desc, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weightStr, hasWeight := strings.Cut(part, ":")
		layer, err := vgg19.LayerFromString(name)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing style layers %q", desc)
		}
		if slices.ContainsFunc(styleLayers, func(sl StyleLayer) bool { return sl.Layer == layer }) {
			return nil, errors.Errorf("style layer %s repeated in %q", layer, desc)
		}
		sl := StyleLayer{Layer: layer, Weight: -1}
		if hasWeight {
			sl.Weight, err = strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
			if err != nil || sl.Weight < 0 {
				return nil, errors.Errorf("invalid weight %q for style layer %s in %q", weightStr, layer, desc)
			}
			explicitSum += sl.Weight
		} else {
			numUnweighted++
		}
		styleLayers = append(styleLayers, sl)
	}
	if len(styleLayers) == 0 {
		return nil, errors.Errorf("no style layers given in %q", desc)
	}
	if numUnweighted > 0 {
		remainder := 1.0 - explicitSum
		if remainder <= unweightedEpsilon {
			return nil, errors.Errorf("explicit style weights in %q sum to %g, nothing left for the %d layers without weight",
				desc, explicitSum, numUnweighted)
		}
		for ii := range styleLayers {
			if styleLayers[ii].Weight < 0 {
				styleLayers[ii].Weight = remainder / float64(numUnweighted)
			}
		}
	}
	return styleLayers, nil
}

// FormatStyleLayers is the inverse of ParseStyleLayers.
func FormatStyleLayers(styleLayers []StyleLayer) string {
	parts := make([]string, len(styleLayers))
	for ii, sl := range styleLayers {
		parts[ii] = sl.String()
	}
	return strings.Join(parts, ",")
}
