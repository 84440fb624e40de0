package sqlinline

// post columns, in the order scanPost expects them
const postColumns = `id, owner_id, prompt, external_job_id, provider, status, image_ref,
  failure_cause, failure_reason, like_count, like_version, created_at, updated_at`

const QInsertPost = `--sql 97829818-7f7b-46a1-b871-a69a1416d314
insert into posts(
  id,
  owner_id,
  prompt,
  external_job_id,
  provider,
  status,
  image_ref,
  like_count,
  like_version,
  created_at,
  updated_at
) values (
  $1::text,
  $2::text,
  $3::text,
  $4::text,
  $5::text,
  $6::text,
  $7::text,
  0,
  0,
  $8::timestamptz,
  $8::timestamptz
);
`

const QSelectPostByID = `--sql 77092908-e572-49b3-aae4-95186ec9855e
select ` + postColumns + `
from posts
where id = $1::text
limit 1;
`

const QPostExists = `--sql de331fbf-db11-4e6d-88af-b1002212ad2c
select exists(select 1 from posts where id = $1::text);
`

// QMarkGenerating only matches QUEUED rows; zero affected rows means the
// post moved on or does not exist.
const QMarkGenerating = `--sql d7e68d31-96d7-445f-b143-25014669197c
update posts
set status = 'GENERATING',
    external_job_id = $2::text,
    updated_at = now()
where id = $1::text
  and status = 'QUEUED';
`

// QFinalizePost writes the terminal state once.
const QFinalizePost = `--sql dd3ef5f3-0383-4884-8379-28fcddf7b461
update posts
set status = $2::text,
    image_ref = $3::text,
    failure_cause = $4::text,
    failure_reason = $5::text,
    updated_at = now()
where id = $1::text
  and status in ('QUEUED', 'GENERATING');
`

const QListUnfinishedPosts = `--sql cd8aa54d-b2d2-49c1-b5de-ea5658dc7927
select ` + postColumns + `
from posts
where status in ('QUEUED', 'GENERATING')
order by created_at asc, id asc;
`

// QListFeed pages completed posts newest first. $2 is null on the first page.
const QListFeed = `--sql 0562aa07-29ce-495e-8cda-cbe0fcb8e688
select ` + postColumns + `
from posts
where status = 'COMPLETED'
  and ($1::text = '' or owner_id = $1::text)
  and ($2::timestamptz is null or (created_at, id) < ($2::timestamptz, $3::text))
order by created_at desc, id desc
limit $4::int;
`

const QCountFeed = `--sql daf903cc-7a2b-4871-b152-c562fb796d2a
select count(*)
from posts
where status = 'COMPLETED'
  and ($1::text = '' or owner_id = $1::text);
`
