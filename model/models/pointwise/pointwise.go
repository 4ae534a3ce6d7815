package pointwise

import "github.com/ollama/vidgen/model"

const (
	UNetClass        = "PointwiseUNetPseudo3DModel"
	AutoencoderClass = "PointwiseAutoencoder"
	TextModelClass   = "PointwiseCLIPTextModel"
)

func init() {
	model.RegisterDenoiser(UNetClass, NewUNet)
	model.RegisterAutoencoder(AutoencoderClass, NewAutoencoder)
	model.RegisterTextEncoder(TextModelClass, NewTextModel)
}
