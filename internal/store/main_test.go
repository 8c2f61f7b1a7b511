package store_test

import (
	"os"
	"testing"

	"github.com/cryslith/cherry/internal/testutil"
)

func TestMain(m *testing.M) {
	os.Exit(testutil.RunWithPostgres(m))
}
