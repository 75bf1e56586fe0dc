package envutil

import (
	"os"
	"strconv"

	"github.com/injadlu/dama/dama-golib/errors"
)

// GetenvDefault gets the value of an environment variable, or returns the
// specified default value if that variable is not set.
func GetenvDefault(name, defaultValue string) string {
	val, found := os.LookupEnv(name)
	if !found {
		return defaultValue
	}
	return val
}

// GetenvIntDefault gets an environment variable as an int, or returns the
// default value if it is not set. A set but malformed value is an error.
func GetenvIntDefault(name string, defaultValue int) (int, error) {
	val, found := os.LookupEnv(name)
	if !found || val == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s should be an integer", name)
	}
	return intVal, nil
}

// Distributed describes the rank layout that launchers such as torchrun
// export to each worker process.
type Distributed struct {
	Rank        int
	LocalRank   int
	WorldSize   int
	Coordinator string
}

// LookupDistributed reads RANK, LOCAL_RANK, WORLD_SIZE and DAMA_COORDINATOR.
// Unset variables describe a single standalone process.
func LookupDistributed() (Distributed, error) {
	var d Distributed
	var err error
	if d.Rank, err = GetenvIntDefault("RANK", 0); err != nil {
		return Distributed{}, err
	}
	if d.LocalRank, err = GetenvIntDefault("LOCAL_RANK", d.Rank); err != nil {
		return Distributed{}, err
	}
	if d.WorldSize, err = GetenvIntDefault("WORLD_SIZE", 1); err != nil {
		return Distributed{}, err
	}
	d.Coordinator = GetenvDefault("DAMA_COORDINATOR", "")

	if d.WorldSize < 1 || d.Rank < 0 || d.Rank >= d.WorldSize {
		return Distributed{}, errors.Errorf("bad RANK/WORLD_SIZE: %d, %d", d.Rank, d.WorldSize)
	}
	return d, nil
}
