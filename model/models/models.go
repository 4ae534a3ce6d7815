package models

import (
	_ "github.com/ollama/vidgen/model/models/pointwise"
)
