package mock

//go:generate mockgen -destination=transport.go -package=mock github.com/LeJamon/goDAGBFT/internal/core/consensus Transport
