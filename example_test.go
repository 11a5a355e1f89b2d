package snapmeta_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/snapmeta/snapmeta"
)

// Example runs the full pipeline in-process: a generated PNG is ingested,
// a worker drives the instance to completion, and the extracted metadata
// ends up in the metadata store.
func Example() {
	ctx := context.Background()

	rt := snapmeta.NewLocalRuntime(snapmeta.Config{})
	if err := rt.StartWorkers(ctx, 1); err != nil {
		fmt.Println("start:", err)
		return
	}
	defer rt.Stop()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 3))); err != nil {
		fmt.Println("encode:", err)
		return
	}

	inst, err := rt.IngestBytes(ctx, "images", "dot.png", buf.Bytes())
	if err != nil {
		fmt.Println("ingest:", err)
		return
	}

	for {
		cur, err := rt.Engine.GetInstance(ctx, inst.ID)
		if err != nil {
			fmt.Println("get:", err)
			return
		}
		if cur.Status.Terminal() {
			fmt.Printf("%s %s %dx%d\n", cur.Status, cur.Output.Format, cur.Output.Width, cur.Output.Height)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Output: COMPLETED PNG 2x3
}
