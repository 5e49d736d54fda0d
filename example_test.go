package storekit_test

import (
	"context"
	"fmt"
	"time"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/driver/memory"
)

func ExampleOpen() {
	ctx := context.Background()

	op, err := storekit.Open(memory.Scheme, map[string]string{"root": "/tenants/a"})
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	_ = op.Write(ctx, "hello.txt", []byte("hello world"))
	data, _ := op.Read(ctx, "hello.txt")
	fmt.Println(string(data))
	fmt.Println(op.Info().Root)
	// Output:
	// hello world
	// /tenants/a/
}

func ExampleOperator_capabilityGate() {
	ctx := context.Background()
	acc, _ := memory.New(memory.Config{})
	op := storekit.NewOperator(acc, []storekit.Layer{storekit.NewReadOnlyLayer()})

	err := op.Write(ctx, "report.csv", []byte("a,b"))
	fmt.Println(storekit.KindOf(err))

	_, err = op.Read(ctx, "../outside.txt")
	fmt.Println(storekit.KindOf(err))
	// Output:
	// Unsupported
	// PermissionDenied
}

func ExampleOperator_List() {
	ctx := context.Background()
	acc, _ := memory.New(memory.Config{})
	op := storekit.NewOperator(acc, nil)

	_ = op.Write(ctx, "docs/a.txt", []byte("a"))
	_ = op.Write(ctx, "docs/b.txt", []byte("b"))
	_ = op.CreateDir(ctx, "docs/archive/")

	for entry, err := range op.List(ctx, "docs/") {
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		fmt.Println(entry.Path, entry.Metadata.Mode)
	}
	// Output:
	// docs/a.txt file
	// docs/archive/ dir
	// docs/b.txt file
}

func ExampleOperator_ListWithSelector() {
	ctx := context.Background()
	acc, _ := memory.New(memory.Config{})
	op := storekit.NewOperator(acc, nil)

	_ = op.Write(ctx, "doc.txt", []byte("text"))
	_ = op.Write(ctx, "image.jpg", []byte("jpeg"))
	_ = op.Write(ctx, "photos/photo.jpg", []byte("jpeg"))
	_ = op.Write(ctx, "data.json", []byte("json"))

	files, _ := op.ListWithSelector(ctx, "/", storekit.Glob("*.jpg"), true)
	for _, f := range files {
		fmt.Println(f.Path)
	}
	// Output:
	// image.jpg
	// photos/photo.jpg
}

func ExampleRetryLayer() {
	ctx := context.Background()
	acc, _ := memory.New(memory.Config{})

	retry := storekit.NewRetryLayer()
	retry.MaxAttempts = 5
	retry.MinDelay = 10 * time.Millisecond
	op := storekit.NewOperator(acc, []storekit.Layer{retry, storekit.NewTimeoutLayer()})

	_, err := op.Stat(ctx, "missing.txt")
	fmt.Println(storekit.IsNotFound(err))
	// Output:
	// true
}

func ExampleOperator_Blocking() {
	acc, _ := memory.New(memory.Config{})
	blocking := storekit.NewOperator(acc, nil).Blocking()

	_ = blocking.Write("notes.txt", []byte("synchronous"))
	meta, _ := blocking.Stat("notes.txt")
	fmt.Println(meta.SizeOr(0))

	blocking.Cancel()
	_, err := blocking.Stat("notes.txt")
	fmt.Println(storekit.KindOf(err))
	// Output:
	// 11
	// Cancelled
}

func ExampleOperator_Async() {
	ctx := context.Background()
	acc, _ := memory.New(memory.Config{})
	async := storekit.NewOperator(acc, nil).Async()

	_, _ = async.Write(ctx, "a.txt", []byte("one")).Await(ctx)
	read := async.Read(ctx, "a.txt")

	data, err := read.Await(ctx)
	fmt.Println(string(data), err)
	// Output:
	// one <nil>
}
