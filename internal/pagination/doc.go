// Package pagination walks an unbounded paginated feed (for example every
// comment on a story) and decides when to stop.
//
// Each page moves the walk through FetchPage and ParsePage and ends in either
// Continue or Stop. After a page is parsed the rules apply in order:
//
//  1. an empty page stops the walk (end of feed);
//  2. a page whose every content hash was seen on an earlier page stops the
//     walk (the site re-serves its tail page);
//  3. items older than the cutoff are excluded, and a page made only of
//     excluded items stops the walk;
//  4. reaching the page ceiling stops the walk;
//  5. otherwise the walk continues with the next page.
//
// Only new, non-excluded items are accumulated, and no content hash is
// emitted twice.
package pagination
