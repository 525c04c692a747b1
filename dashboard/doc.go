// Package dashboard is the read model behind workflow job-detail pages.
//
// A Provider joins the correlation store with the instance reader to
// describe the workflow behind a job, CalculateStatus derives progress and
// timing figures from that description, and Handler serves both as JSON.
// Nothing in this package writes to a store.
package dashboard
