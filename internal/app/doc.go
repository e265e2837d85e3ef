// Package app wires the report retrieval run together.
//
// # Run sequence
//
// Application.Run first checks that the working directories are writable
// and credentials are present, then executes these stages in order:
//
//  1. Authenticate once against the dashboard; failure ends the run
//  2. Retrieve every configured report sequentially on that session
//  3. Merge the 30, 60 and 90 day store-count extracts when all exist
//  4. Label Total rows in the sales extracts
//  5. Optionally upload one extract to the analysis dashboard
//  6. Render PDFs and the store-count workbook
//  7. Optionally archive artifacts to object storage
//  8. Dispatch one notification with whatever documents exist
//
// Every stage after authentication degrades instead of failing the run.
// The run and its job outcomes are recorded in the ledger.
//
// # Usage
//
//	application, err := app.NewApplication(configFile)
//	if err != nil {
//	    return err
//	}
//	defer application.Close(ctx)
//	report, err := application.Run(ctx)
package app
