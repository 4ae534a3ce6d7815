package pointwise

import (
	"fmt"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/ml/nn"
	"github.com/ollama/vidgen/model"
)

type TextWeights struct {
	Embeddings struct {
		Token    *nn.Embedding `st:"token_embedding"`
		Position *nn.Embedding `st:"position_embedding"`
	} `st:"text_model.embeddings"`
	FinalLayerNorm *nn.LayerNorm `st:"text_model.final_layer_norm"`
}

// TextModel is a CLIP text model without transformer layers: token and
// position embeddings followed by the final layer norm.
type TextModel struct {
	config model.TextConfig
}

func NewTextModel(c model.TextConfig) (model.TextEncoder, error) {
	return &TextModel{config: c}, nil
}

func (m *TextModel) Config() model.TextConfig {
	return m.config
}

func (m *TextModel) Apply(w ml.Weights, ids [][]int32) (*ml.Tensor, error) {
	var tw TextWeights
	if err := model.Populate(w, &tw); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("pointwise text model: empty batch")
	}

	length := len(ids[0])
	if length > m.config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("pointwise text model: %d tokens exceed %d positions", length, m.config.MaxPositionEmbeddings)
	}

	tokens, err := tw.Embeddings.Token.Forward(ids)
	if err != nil {
		return nil, err
	}

	positions := make([][]int32, len(ids))
	for i := range positions {
		positions[i] = make([]int32, length)
		for j := range positions[i] {
			positions[i][j] = int32(j)
		}
	}

	pos, err := tw.Embeddings.Position.Forward(positions)
	if err != nil {
		return nil, err
	}

	h, err := ml.Add(tokens, pos)
	if err != nil {
		return nil, err
	}

	return tw.FinalLayerNorm.Forward(h, m.config.LayerNormEps)
}
