// Package bootstrap builds a running lookout engine from configuration.
//
// NewApp connects the configured backends (NATS, Redis, SQLite), assembles
// the ingest -> enrich -> correlate -> suppress -> emit pipeline and mounts
// the ops HTTP server. Start begins consuming; Shutdown stops intake first,
// drains the pipeline and then closes the backends.
//
//	app, err := bootstrap.NewApp(ctx, "lookout.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    return err
//	}
//	err = app.WaitForShutdown()
//	app.Shutdown()
package bootstrap
