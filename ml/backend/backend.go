package backend

import (
	_ "github.com/jmorganca/whisper/ml/backend/cpu"
)
