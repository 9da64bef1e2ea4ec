package coinflip

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

const seedBytes = 32

type draw struct {
	Result     Side
	Seed       string
	Commitment string
}

// drawResult reads one seed from entropy. The outcome is the low bit of the
// first seed byte, so it is a single fair bit independent of the stakes.
func drawResult(entropy io.Reader) (draw, error) {
	seed := make([]byte, seedBytes)
	if _, err := io.ReadFull(entropy, seed); err != nil {
		return draw{}, fmt.Errorf("read seed: %w", err)
	}
	sum := sha256.Sum256(seed)
	return draw{
		Result:     resultFromSeed(seed),
		Seed:       hex.EncodeToString(seed),
		Commitment: hex.EncodeToString(sum[:]),
	}, nil
}

func resultFromSeed(seed []byte) Side {
	if seed[0]&1 == 1 {
		return SideHeads
	}
	return SideTails
}

// Verify checks a revealed seed against the commitment published at join
// time and the recorded result.
func Verify(commitment, seedHex string, result Side) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != seedBytes {
		return fmt.Errorf("seed must be %d hex-encoded bytes", seedBytes)
	}
	sum := sha256.Sum256(seed)
	if hex.EncodeToString(sum[:]) != commitment {
		return fmt.Errorf("seed does not match commitment")
	}
	if got := resultFromSeed(seed); got != result {
		return fmt.Errorf("seed yields %s, match recorded %s", got, result)
	}
	return nil
}
