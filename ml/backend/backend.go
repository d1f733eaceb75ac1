// Package backend links the available device backends into a binary.
package backend

import (
	_ "github.com/vattention/vattention/ml/backend/mock"
)
