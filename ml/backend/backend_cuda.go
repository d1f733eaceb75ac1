//go:build cuda

package backend

import (
	_ "github.com/vattention/vattention/ml/backend/cuda"
)
