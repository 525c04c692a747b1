//go:build integration

package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"

	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// uriEnv points the suite at an existing server instead of a container.
const uriEnv = "FLOWBRIDGE_TEST_MONGO_URI"

var testURI string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if testURI = os.Getenv(uriEnv); testURI != "" {
		return m.Run()
	}

	ctx := context.Background()
	container, err := mongomodule.Run(ctx, "mongo:7")
	if err != nil {
		fmt.Fprintf(os.Stderr, "start mongo container: %v\n", err)
		return 1
	}
	defer func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			fmt.Fprintf(os.Stderr, "terminate container: %v\n", termErr)
		}
	}()

	testURI, err = container.ConnectionString(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get connection string: %v\n", err)
		return 1
	}
	return m.Run()
}
